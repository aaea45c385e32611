package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/PavelKucherenko/sf-ds50-course/models"
)

// csvHeader is the column layout of batch CSV files.
var csvHeader = []string{"url", "rating", "reviews", "error"}

// BatchFilename names the output file of one batch, e.g. results_3.csv.
func BatchFilename(dir, prefix string, batch int, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", prefix, batch, ext))
}

// CSVWriter writes each batch to its own CSV file. Nested values are stored
// as JSON; failure rows leave rating and reviews empty and name the error type.
type CSVWriter struct {
	dir    string
	prefix string
	mu     sync.Mutex
	files  []string
}

// NewCSVWriter prepares a writer for <dir>/<prefix>_<batch>.csv files.
func NewCSVWriter(dir, prefix string) (*CSVWriter, error) {
	if err := ensureDir(BatchFilename(dir, prefix, 0, ".csv")); err != nil {
		return nil, err
	}
	return &CSVWriter{dir: dir, prefix: prefix}, nil
}

// WriteBatch creates the batch file and writes the header and one record per row.
func (cw *CSVWriter) WriteBatch(_ context.Context, table *models.BatchTable) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	path := BatchFilename(cw.dir, cw.prefix, table.Index, ".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, row := range table.Rows {
		rating, reviews, err := encodeRow(row)
		if err != nil {
			f.Close()
			return err
		}
		record := []string{row.URL, rating, reviews, row.ErrorType}
		if err := writer.Write(record); err != nil {
			f.Close()
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush csv records: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close csv file: %w", err)
	}

	cw.files = append(cw.files, path)
	return nil
}

// Outputs lists the files written so far.
func (cw *CSVWriter) Outputs() []string {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]string, len(cw.files))
	copy(out, cw.files)
	return out
}

// Close is a no-op; each batch file is closed after it is written.
func (cw *CSVWriter) Close() error {
	return nil
}

// Validate ensures every written file has content.
func (cw *CSVWriter) Validate() error {
	return validateFiles(cw.Outputs(), "csv")
}

// ReadBatchCSV reads a batch file written by CSVWriter. The batch index is
// taken from the file name and is -1 when the name carries none.
func ReadBatchCSV(path string) (*models.BatchTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(csvHeader, ",") {
		return nil, fmt.Errorf("unexpected csv header %v", header)
	}

	table := &models.BatchTable{Index: batchIndexFromName(path)}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}

		row := models.PageResult{Index: len(table.Rows), URL: record[0], ErrorType: record[3]}
		if row.ErrorType != "" {
			row.Err = errors.New(row.ErrorType)
		} else {
			if err := json.Unmarshal([]byte(record[1]), &row.Ratings); err != nil {
				return nil, fmt.Errorf("decode rating for %s: %w", row.URL, err)
			}
			if err := json.Unmarshal([]byte(record[2]), &row.Reviews); err != nil {
				return nil, fmt.Errorf("decode reviews for %s: %w", row.URL, err)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// JSONWriter writes each batch as its own newline-delimited JSON file.
type JSONWriter struct {
	dir    string
	prefix string
	mu     sync.Mutex
	files  []string
}

// NewJSONWriter prepares a writer for <dir>/<prefix>_<batch>.jsonl files.
func NewJSONWriter(dir, prefix string) (*JSONWriter, error) {
	if err := ensureDir(BatchFilename(dir, prefix, 0, ".jsonl")); err != nil {
		return nil, err
	}
	return &JSONWriter{dir: dir, prefix: prefix}, nil
}

// WriteBatch encodes one JSON object per row.
func (jw *JSONWriter) WriteBatch(_ context.Context, table *models.BatchTable) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	path := BatchFilename(jw.dir, jw.prefix, table.Index, ".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	encoder := json.NewEncoder(buffer)
	for _, row := range table.Rows {
		if err := encoder.Encode(row); err != nil {
			f.Close()
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := buffer.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close json file: %w", err)
	}

	jw.files = append(jw.files, path)
	return nil
}

// Outputs lists the files written so far.
func (jw *JSONWriter) Outputs() []string {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	out := make([]string, len(jw.files))
	copy(out, jw.files)
	return out
}

// Close is a no-op; each batch file is closed after it is written.
func (jw *JSONWriter) Close() error {
	return nil
}

// Validate ensures every written file has content.
func (jw *JSONWriter) Validate() error {
	return validateFiles(jw.Outputs(), "json")
}

// encodeRow renders the nested columns of a row. Failure rows have none.
func encodeRow(row models.PageResult) (string, string, error) {
	if !row.OK() {
		return "", "", nil
	}
	ratings := row.Ratings
	if ratings == nil {
		ratings = []models.RatingEntry{}
	}
	reviews := row.Reviews
	if reviews == nil {
		reviews = []models.Review{}
	}

	rating, err := json.Marshal(ratings)
	if err != nil {
		return "", "", fmt.Errorf("encode rating for %s: %w", row.URL, err)
	}
	encodedReviews, err := json.Marshal(reviews)
	if err != nil {
		return "", "", fmt.Errorf("encode reviews for %s: %w", row.URL, err)
	}
	return string(rating), string(encodedReviews), nil
}

func validateFiles(files []string, kind string) error {
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s file: %w", kind, err)
		}
		if info.Size() <= 0 {
			return fmt.Errorf("%s file %s is empty", kind, path)
		}
	}
	return nil
}

func batchIndexFromName(path string) int {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return -1
	}
	index, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return -1
	}
	return index
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
