// Package models defines data structures for the scraper.
package models

import "time"

// RatingEntry is one row of a page's rating distribution. Count is nil when
// the count label carries no leading text.
type RatingEntry struct {
	Stars string  `json:"stars"`
	Count *string `json:"count"`
}

// Review is a single review extracted from a page. A nil field means the
// page markup had no node for it.
type Review struct {
	ID           *string `json:"id"`
	VisitDate    *string `json:"visit_date"`
	Text         *string `json:"text"`
	Rating       *int    `json:"rating"`
	HelpfulCount *string `json:"helpful_count"`
}

// PageResult is the outcome of fetching and parsing one URL. Failed results
// carry Err and ErrorType and no extracted data.
type PageResult struct {
	Index     int           `json:"index"`
	URL       string        `json:"url"`
	Ratings   []RatingEntry `json:"rating"`
	Reviews   []Review      `json:"reviews"`
	Err       error         `json:"-"`
	ErrorType string        `json:"error,omitempty"`
}

// OK reports whether the page was fetched and parsed.
func (r PageResult) OK() bool {
	return r.Err == nil && r.ErrorType == ""
}

// Failed builds a failure result for url.
func Failed(index int, url string, err error, errorType string) PageResult {
	return PageResult{
		Index:     index,
		URL:       url,
		Err:       err,
		ErrorType: errorType,
	}
}

// BatchTable holds one row per URL submitted to a batch, in submission order.
type BatchTable struct {
	Index      int
	Rows       []PageResult
	CacheHits  int // rows copied from an earlier position in the same batch
	StartedAt  time.Time
	FinishedAt time.Time
}

// Successes counts rows that were fetched and parsed.
func (t *BatchTable) Successes() int {
	n := 0
	for _, row := range t.Rows {
		if row.OK() {
			n++
		}
	}
	return n
}

// Failures counts rows that failed.
func (t *BatchTable) Failures() int {
	return len(t.Rows) - t.Successes()
}

// RunResult holds the overall result of a scraping run.
type RunResult struct {
	RunID        string
	StartTime    time.Time
	EndTime      time.Time
	BatchCount   int
	URLCount     int
	SuccessCount int
	FailureCount int
	ReviewCount  int
	CacheHits    int
	FailedURLs   []string
	ErrorsByType map[string]int
	Outputs      []string
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string {
	return &s
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int {
	return &n
}
