package pipeline

import (
	"context"
	"fmt"
	"net/url"

	"github.com/PavelKucherenko/sf-ds50-course/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS page_results (
	run_id TEXT NOT NULL,
	batch INTEGER NOT NULL,
	position INTEGER NOT NULL,
	url TEXT NOT NULL,
	rating JSONB,
	reviews JSONB,
	error TEXT,
	written_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (run_id, batch, position)
)`

const postgresUpsert = `
INSERT INTO page_results (run_id, batch, position, url, rating, reviews, error)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
ON CONFLICT (run_id, batch, position) DO UPDATE SET
	url = EXCLUDED.url,
	rating = EXCLUDED.rating,
	reviews = EXCLUDED.reviews,
	error = EXCLUDED.error,
	written_at = NOW()`

// PostgresWriter stores every batch of a run in PostgreSQL.
type PostgresWriter struct {
	db     *pgxpool.Pool
	target string
	runID  string
}

// NewPostgresWriter connects to connStr and creates the results table.
func NewPostgresWriter(ctx context.Context, connStr, runID string) (*PostgresWriter, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create page_results table: %w", err)
	}

	return &PostgresWriter{db: db, target: redact(connStr), runID: runID}, nil
}

// WriteBatch upserts the batch rows within a single transaction.
func (pw *PostgresWriter) WriteBatch(ctx context.Context, table *models.BatchTable) error {
	tx, err := pw.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i, row := range table.Rows {
		rating, reviews, err := encodeRow(row)
		if err != nil {
			return err
		}
		batch.Queue(postgresUpsert,
			pw.runID, table.Index, i, row.URL,
			nullable(rating), nullable(reviews), nullable(row.ErrorType),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert batch %d: %w", table.Index, err)
	}

	return tx.Commit(ctx)
}

// Count returns how many rows the current run has stored.
func (pw *PostgresWriter) Count(ctx context.Context) (int, error) {
	var n int
	err := pw.db.QueryRow(ctx, `SELECT COUNT(*) FROM page_results WHERE run_id = $1`, pw.runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count page_results: %w", err)
	}
	return n, nil
}

// Outputs names the database with credentials removed.
func (pw *PostgresWriter) Outputs() []string {
	return []string{pw.target}
}

// Close releases the pool.
func (pw *PostgresWriter) Close() error {
	pw.db.Close()
	return nil
}

// Validate checks the database is still reachable.
func (pw *PostgresWriter) Validate() error {
	return pw.db.Ping(context.Background())
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func redact(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.Host == "" {
		return "postgres"
	}
	return u.Redacted()
}
