// Package main scores the bisection guesser.
package main

import (
	"fmt"
	"os"

	"github.com/PavelKucherenko/sf-ds50-course/guess"
	"github.com/spf13/cobra"
)

var (
	lower  int
	upper  int
	runs   int
	seed   uint64
	number int
)

var rootCmd = &cobra.Command{
	Use:   "guess",
	Short: "Score the bisection number guesser",
	Long:  "Runs the bisection guesser against seeded random numbers and prints the mean number of attempts.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("number") {
			got, count, ok := guess.GameCoreV3(number, lower, upper)
			if !ok {
				return fmt.Errorf("number %d is not in [%d, %d]", number, lower, upper)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Guessed %d in %d attempts\n", got, count)
			return nil
		}

		score, err := guess.Score(guess.GameCoreV3, lower, upper, runs, seed)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "The guesser finds a number in %.3f attempts on average\n", score)
		return nil
	},
}

func init() {
	rootCmd.Flags().IntVar(&lower, "lower", 1, "Lower bound of the range")
	rootCmd.Flags().IntVar(&upper, "upper", 100, "Upper bound of the range")
	rootCmd.Flags().IntVar(&runs, "runs", 1000, "Number of games to score")
	rootCmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed")
	rootCmd.Flags().IntVar(&number, "number", 0, "Play a single game for this number instead of scoring")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
