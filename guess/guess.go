// Package guess implements a bisection number guesser and a harness that
// scores guessers by their mean number of attempts.
package guess

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
)

// Core guesses number within [lower, upper]. It returns the last prediction,
// how many predictions were made and whether number was found.
type Core func(number, lower, upper int) (guess, count int, ok bool)

// ErrMissed is returned by Score when a core fails to find a number.
var ErrMissed = errors.New("guess: number not found")

// GameCoreV3 finds number by bisection. The first prediction is the midpoint
// rounded half to even; moving up rounds the next midpoint up and moving down
// rounds it down. ok is false when the range collapses without a hit, which
// happens for numbers outside [lower, upper].
func GameCoreV3(number, lower, upper int) (int, int, bool) {
	if lower > upper {
		return number, 0, false
	}

	lo, hi := lower, upper
	count := 0
	predict := int(math.RoundToEven(float64(lo+hi) / 2))
	for lo != hi {
		count++
		switch {
		case number == predict:
			return number, count, true
		case number > predict:
			lo = predict
			predict = int(math.Ceil(float64(predict+hi) / 2))
		default:
			hi = predict
			predict = int(math.Floor(float64(lo+predict) / 2))
		}
	}

	slog.Warn("hidden number is outside the expected range",
		slog.Int("number", number),
		slog.Int("lower", lower),
		slog.Int("upper", upper),
	)
	return number, count, false
}

// Score runs core against runs numbers drawn uniformly from [lower, upper]
// with a fixed seed and returns the mean attempt count.
func Score(core Core, lower, upper, runs int, seed uint64) (float64, error) {
	if core == nil {
		return 0, fmt.Errorf("guess: core is nil")
	}
	if lower > upper {
		return 0, fmt.Errorf("guess: lower %d is above upper %d", lower, upper)
	}
	if runs <= 0 {
		return 0, fmt.Errorf("guess: runs must be positive, got %d", runs)
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	total := 0
	for range runs {
		number := lower + rng.IntN(upper-lower+1)
		_, count, ok := core(number, lower, upper)
		if !ok {
			return 0, fmt.Errorf("%w: %d in [%d, %d]", ErrMissed, number, lower, upper)
		}
		total += count
	}
	return float64(total) / float64(runs), nil
}
