package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoadURLs reads the named column of a CSV file with a header row. Blank
// cells are skipped; order is preserved.
func LoadURLs(path, column string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()

	return readURLs(f, column)
}

func readURLs(r io.Reader, column string) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("input file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read input header: %w", err)
	}

	col := -1
	for i, name := range header {
		if strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) == column {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("column %q not found in input header", column)
	}

	var urls []string
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read input record: %w", err)
		}
		if col >= len(record) {
			skipped++
			continue
		}
		value := strings.TrimSpace(record[col])
		if value == "" {
			skipped++
			continue
		}
		urls = append(urls, value)
	}

	if skipped > 0 {
		slog.Warn("skipped input rows without a url", slog.String("column", column), slog.Int("rows", skipped))
	}
	return urls, nil
}
