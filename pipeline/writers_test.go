package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/PavelKucherenko/sf-ds50-course/models"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTable(index int) *models.BatchTable {
	return &models.BatchTable{
		Index: index,
		Rows: []models.PageResult{
			{
				Index: 0,
				URL:   "/Hotel_Review-g1-d1.html",
				Ratings: []models.RatingEntry{
					{Stars: "5", Count: models.StrPtr("1,024")},
					{Stars: "4", Count: models.StrPtr("311")},
				},
				Reviews: []models.Review{
					{
						ID:           models.StrPtr("123"),
						VisitDate:    models.StrPtr("May 2019"),
						Text:         models.StrPtr("Lovely, \"quiet\" rooms"),
						Rating:       models.IntPtr(5),
						HelpfulCount: models.StrPtr("2"),
					},
					{ID: models.StrPtr("124")},
				},
			},
			models.Failed(1, "/Hotel_Review-g1-d2.html", errors.New("Not Found"), "not_found"),
			{Index: 2, URL: "/Hotel_Review-g1-d3.html"},
		},
	}
}

func TestBatchFilename(t *testing.T) {
	got := BatchFilename("out", "ta_parsing_results", 7, ".csv")
	assert.Equal(t, filepath.Join("out", "ta_parsing_results_7.csv"), got)
	assert.Equal(t, 7, batchIndexFromName(got))
	assert.Equal(t, -1, batchIndexFromName("results.csv"))
}

func TestCSVWriterWriteBatch(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewCSVWriter(dir, "results")
	require.NoError(t, err)

	require.NoError(t, writer.WriteBatch(context.Background(), sampleTable(0)))
	require.NoError(t, writer.WriteBatch(context.Background(), sampleTable(1)))
	require.NoError(t, writer.Close())
	require.NoError(t, writer.Validate())

	want := []string{filepath.Join(dir, "results_0.csv"), filepath.Join(dir, "results_1.csv")}
	assert.Equal(t, want, writer.Outputs())

	f, err := os.Open(want[0])
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"url", "rating", "reviews", "error"}, records[0])
	assert.Equal(t, "/Hotel_Review-g1-d1.html", records[1][0])
	assert.JSONEq(t, `[{"stars":"5","count":"1,024"},{"stars":"4","count":"311"}]`, records[1][1])
	assert.Equal(t, []string{"/Hotel_Review-g1-d2.html", "", "", "not_found"}, records[2])
	assert.Equal(t, []string{"/Hotel_Review-g1-d3.html", "[]", "[]", ""}, records[3])
}

func TestReadBatchCSVRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewCSVWriter(dir, "results")
	require.NoError(t, err)

	table := sampleTable(3)
	require.NoError(t, writer.WriteBatch(context.Background(), table))

	got, err := ReadBatchCSV(writer.Outputs()[0])
	require.NoError(t, err)
	assert.Equal(t, 3, got.Index)
	require.Len(t, got.Rows, len(table.Rows))

	for i := range table.Rows {
		assert.Equal(t, table.Rows[i].URL, got.Rows[i].URL)
		assert.Equal(t, table.Rows[i].OK(), got.Rows[i].OK())
	}
	opts := cmpopts.EquateEmpty()
	if diff := cmp.Diff(table.Rows[0].Reviews, got.Rows[0].Reviews, opts); diff != "" {
		t.Fatalf("reviews mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "not_found", got.Rows[1].ErrorType)
}

func TestReadBatchCSVRejectsForeignHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other_0.csv")
	require.NoError(t, os.WriteFile(path, []byte("title,price\nbook,1.00\n"), 0o644))

	_, err := ReadBatchCSV(path)
	assert.Error(t, err)
}

func TestJSONWriterWriteBatch(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewJSONWriter(dir, "results")
	require.NoError(t, err)

	require.NoError(t, writer.WriteBatch(context.Background(), sampleTable(0)))
	require.NoError(t, writer.Validate())

	f, err := os.Open(filepath.Join(dir, "results_0.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var rows []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		rows = append(rows, row)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, rows, 3)
	assert.Equal(t, "/Hotel_Review-g1-d1.html", rows[0]["url"])
	assert.NotContains(t, rows[0], "error")
	assert.Equal(t, "not_found", rows[1]["error"])
}

func TestDualWriterWriteBatch(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewDualWriter(dir, "results")
	require.NoError(t, err)

	require.NoError(t, writer.WriteBatch(context.Background(), sampleTable(0)))
	require.NoError(t, writer.Close())
	require.NoError(t, writer.Validate())

	assert.Equal(t, []string{
		filepath.Join(dir, "results_0.csv"),
		filepath.Join(dir, "results_0.jsonl"),
	}, writer.Outputs())
}

func TestValidateFilesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.Error(t, validateFiles([]string{path}, "csv"))
	assert.Error(t, validateFiles([]string{filepath.Join(t.TempDir(), "missing.csv")}, "csv"))
}

func TestSQLiteWriterWriteBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "results.db")
	writer, err := NewSQLiteWriter(path, "run-1")
	require.NoError(t, err)
	defer writer.Close()

	ctx := context.Background()
	require.NoError(t, writer.Validate())
	require.NoError(t, writer.WriteBatch(ctx, sampleTable(0)))
	require.NoError(t, writer.WriteBatch(ctx, sampleTable(1)))
	// Rewriting a batch replaces its rows.
	require.NoError(t, writer.WriteBatch(ctx, sampleTable(1)))

	n, err := writer.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	require.NoError(t, writer.Validate())
	assert.Equal(t, []string{path}, writer.Outputs())

	var errorType string
	err = writer.db.QueryRowContext(ctx,
		`SELECT error FROM page_results WHERE run_id = ? AND batch = ? AND position = ?`, "run-1", 0, 1,
	).Scan(&errorType)
	require.NoError(t, err)
	assert.Equal(t, "not_found", errorType)

	var rating string
	err = writer.db.QueryRowContext(ctx,
		`SELECT rating FROM page_results WHERE run_id = ? AND batch = ? AND position = ?`, "run-1", 0, 0,
	).Scan(&rating)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"stars":"5","count":"1,024"},{"stars":"4","count":"311"}]`, rating)
}

func TestPostgresWriterWriteBatch(t *testing.T) {
	connStr := os.Getenv("SCRAPER_TEST_POSTGRES_URL")
	if connStr == "" {
		t.Skip("SCRAPER_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	writer, err := NewPostgresWriter(ctx, connStr, "test-"+t.Name())
	require.NoError(t, err)
	defer writer.Close()

	require.NoError(t, writer.WriteBatch(ctx, sampleTable(0)))
	n, err := writer.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, writer.Validate())

	_, err = writer.db.Exec(ctx, `DELETE FROM page_results WHERE run_id = $1`, writer.runID)
	require.NoError(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://user:xxxxx@db:5432/reviews", redact("postgres://user:secret@db:5432/reviews"))
	assert.Equal(t, "postgres", redact("host=db user=u password=p"))
}
