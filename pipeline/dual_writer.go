// Package pipeline partitions URL lists into batches, runs each batch through
// a fetch session and persists the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/PavelKucherenko/sf-ds50-course/models"
)

// DualWriter outputs every batch as both CSV and JSONL.
type DualWriter struct {
	csvWriter  *CSVWriter
	jsonWriter *JSONWriter
	mu         sync.Mutex
}

// NewDualWriter creates CSV and JSONL writers sharing dir and prefix.
func NewDualWriter(dir, prefix string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(dir, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV writer: %w", err)
	}

	jsonWriter, err := NewJSONWriter(dir, prefix)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("failed to create JSON writer: %w", err)
	}

	return &DualWriter{
		csvWriter:  csvWriter,
		jsonWriter: jsonWriter,
	}, nil
}

// WriteBatch writes the batch in both formats.
func (dw *DualWriter) WriteBatch(ctx context.Context, table *models.BatchTable) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csvWriter.WriteBatch(ctx, table); err != nil {
		return fmt.Errorf("CSV write failed: %w", err)
	}
	if err := dw.jsonWriter.WriteBatch(ctx, table); err != nil {
		return fmt.Errorf("JSON write failed: %w", err)
	}
	return nil
}

// Outputs lists CSV files followed by JSONL files.
func (dw *DualWriter) Outputs() []string {
	return append(dw.csvWriter.Outputs(), dw.jsonWriter.Outputs()...)
}

// Close closes both writers
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.csvWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("CSV close failed: %w", err))
	}
	if err := dw.jsonWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("JSON close failed: %w", err))
	}
	return errors.Join(errs...)
}

// Validate validates both output sets
func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.csvWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("CSV validation failed: %w", err))
	}
	if err := dw.jsonWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("JSON validation failed: %w", err))
	}
	return errors.Join(errs...)
}
