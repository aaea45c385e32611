package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/PavelKucherenko/sf-ds50-course/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS page_results (
	"run_id" TEXT NOT NULL,
	"batch" INTEGER NOT NULL,
	"position" INTEGER NOT NULL,
	"url" TEXT NOT NULL,
	"rating" TEXT,
	"reviews" TEXT,
	"error" TEXT,
	"written_at" DATETIME NOT NULL,
	PRIMARY KEY (run_id, batch, position)
);`

const sqliteUpsert = `
INSERT INTO page_results (run_id, batch, position, url, rating, reviews, error, written_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, batch, position) DO UPDATE SET
	url=excluded.url,
	rating=excluded.rating,
	reviews=excluded.reviews,
	error=excluded.error,
	written_at=excluded.written_at;`

// SQLiteWriter stores every batch of a run in one SQLite database.
type SQLiteWriter struct {
	db      *sql.DB
	path    string
	runID   string
	mu      sync.Mutex
	batches int
}

// NewSQLiteWriter opens (or creates) the database at path.
func NewSQLiteWriter(path, runID string) (*SQLiteWriter, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create page_results table: %w", err)
	}

	return &SQLiteWriter{db: db, path: path, runID: runID}, nil
}

// WriteBatch upserts the batch rows in a single transaction.
func (sw *SQLiteWriter) WriteBatch(ctx context.Context, table *models.BatchTable) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	tx, err := sw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return fmt.Errorf("prepare sqlite insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, row := range table.Rows {
		rating, reviews, err := encodeRow(row)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			sw.runID, table.Index, i, row.URL,
			nullString(rating), nullString(reviews), nullString(row.ErrorType), now,
		); err != nil {
			return fmt.Errorf("insert row %d of batch %d: %w", i, table.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite transaction: %w", err)
	}
	sw.batches++
	return nil
}

// Count returns how many rows the current run has stored.
func (sw *SQLiteWriter) Count(ctx context.Context) (int, error) {
	var n int
	err := sw.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM page_results WHERE run_id = ?`, sw.runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count page_results: %w", err)
	}
	return n, nil
}

// Outputs names the database file.
func (sw *SQLiteWriter) Outputs() []string {
	return []string{sw.path}
}

// Close closes the database handle.
func (sw *SQLiteWriter) Close() error {
	return sw.db.Close()
}

// Validate ensures the run stored rows when batches were written.
func (sw *SQLiteWriter) Validate() error {
	sw.mu.Lock()
	batches := sw.batches
	sw.mu.Unlock()
	if batches == 0 {
		return nil
	}

	n, err := sw.Count(context.Background())
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sqlite database has no rows for run %s", sw.runID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
