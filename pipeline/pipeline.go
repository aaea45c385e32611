package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/PavelKucherenko/sf-ds50-course/config"
	"github.com/PavelKucherenko/sf-ds50-course/models"
)

var (
	// ErrShortResults is returned when a session yields fewer rows than URLs.
	ErrShortResults = errors.New("pipeline: session returned wrong number of results")
)

// Session is one batch's shared connection context. Dispatch starts a fetch
// per URL, Wait blocks until every fetch has finished and returns one result
// per URL in dispatch order, and Close releases the connections.
type Session interface {
	Dispatch(urls []string)
	Wait() []models.PageResult
	Close() error
}

// SessionOpener opens a fresh Session for each batch.
type SessionOpener interface {
	Open(ctx context.Context, batch int) (Session, error)
}

// OutputWriter persists finished batches.
type OutputWriter interface {
	WriteBatch(ctx context.Context, table *models.BatchTable) error
	Outputs() []string
	Close() error
	Validate() error
}

// Recorder receives per-batch timings.
type Recorder interface {
	ObserveBatch(d time.Duration, table *models.BatchTable)
}

// Partition lazily yields contiguous, order-preserving batches of at most
// size URLs, indexed from zero. A size below one is treated as one.
func Partition(urls []string, size int) iter.Seq2[int, []string] {
	if size < 1 {
		size = 1
	}
	return func(yield func(int, []string) bool) {
		for index, start := 0, 0; start < len(urls); index, start = index+1, start+size {
			end := min(start+size, len(urls))
			if !yield(index, urls[start:end:end]) {
				return
			}
		}
	}
}

// BatchCount returns how many batches Partition yields for n URLs.
func BatchCount(n, size int) int {
	if size < 1 {
		size = 1
	}
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Orchestrator runs batches strictly in order: fetch every URL of a batch
// concurrently, write the batch, pause, move on.
type Orchestrator struct {
	opener    SessionOpener
	writer    OutputWriter
	batchSize int
	pause     time.Duration
	sleeper   Sleeper
	recorder  Recorder
	indexSize int
	observer  func(Transition)
	runID     string

	mu    sync.Mutex // guards state
	state State
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithSleeper replaces the wall-clock pause.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sleeper = s
		}
	}
}

// WithRecorder reports batch timings to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithStateObserver calls fn on every state change.
func WithStateObserver(fn func(Transition)) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithRunID tags the run result.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		o.runID = id
	}
}

// NewOrchestrator builds an orchestrator from cfg's batch size, pause and
// duplicate index size.
func NewOrchestrator(opener SessionOpener, writer OutputWriter, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if opener == nil {
		return nil, fmt.Errorf("session opener is nil")
	}
	if writer == nil {
		return nil, fmt.Errorf("output writer is nil")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	o := &Orchestrator{
		opener:    opener,
		writer:    writer,
		batchSize: cfg.BatchSize,
		pause:     cfg.Pause,
		sleeper:   WallClock,
		indexSize: cfg.CacheSize,
		state:     StatePending,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run processes urls batch by batch. Per-URL failures become failure rows;
// only session, writer and context errors stop the run. The partial result
// is returned alongside any error.
func (o *Orchestrator) Run(ctx context.Context, urls []string) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &models.RunResult{
		RunID:        o.runID,
		StartTime:    time.Now(),
		URLCount:     len(urls),
		ErrorsByType: make(map[string]int),
	}
	finish := func(err error) (*models.RunResult, error) {
		result.EndTime = time.Now()
		result.Outputs = o.writer.Outputs()
		return result, err
	}

	total := BatchCount(len(urls), o.batchSize)
	slog.Info("starting run",
		slog.String("run_id", o.runID),
		slog.Int("urls", len(urls)),
		slog.Int("batches", total),
		slog.Int("batch_size", o.batchSize),
	)

	last := -1
	for index, batch := range Partition(urls, o.batchSize) {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		table, err := o.runBatch(ctx, index, batch)
		if err != nil {
			return finish(fmt.Errorf("batch %d: %w", index, err))
		}
		accumulate(result, table)
		last = index

		if index == total-1 {
			break
		}

		o.setState(index, StateSleeping)
		slog.Debug("pausing between batches", slog.Int("batch", index), slog.Duration("pause", o.pause))
		if err := o.sleeper.Sleep(ctx, o.pause); err != nil {
			return finish(fmt.Errorf("pause after batch %d: %w", index, err))
		}
	}

	o.setState(last, StateDone)
	return finish(nil)
}

func (o *Orchestrator) runBatch(ctx context.Context, index int, urls []string) (*models.BatchTable, error) {
	o.setState(index, StatePending)
	slog.Info("processing batch", slog.Int("batch", index), slog.Int("urls", len(urls)))

	table := &models.BatchTable{
		Index:     index,
		Rows:      make([]models.PageResult, len(urls)),
		StartedAt: time.Now(),
	}

	// Nothing is shared with earlier batches: every batch fetches its own
	// URLs through its own session.
	seen, err := newBatchIndex(o.indexSize)
	if err != nil {
		return nil, err
	}
	unique := make([]int, 0, len(urls))
	repeats := make(map[int]int)
	for i, u := range urls {
		if first, ok := seen.lookup(u); ok {
			repeats[i] = first
			continue
		}
		seen.remember(u, i)
		unique = append(unique, i)
	}

	rows, err := o.fetch(ctx, index, urls, unique)
	if err != nil {
		return nil, err
	}
	for j, pos := range unique {
		row := rows[j]
		row.Index = pos
		table.Rows[pos] = row
	}
	for pos, first := range repeats {
		row := table.Rows[first]
		row.Index = pos
		table.Rows[pos] = row
		table.CacheHits++
	}

	o.setState(index, StateWriting)
	if err := o.writer.WriteBatch(ctx, table); err != nil {
		return nil, fmt.Errorf("write batch: %w", err)
	}
	table.FinishedAt = time.Now()

	if o.recorder != nil {
		o.recorder.ObserveBatch(table.FinishedAt.Sub(table.StartedAt), table)
	}
	slog.Info("batch written",
		slog.Int("batch", index),
		slog.Int("rows", len(table.Rows)),
		slog.Int("failed", table.Failures()),
		slog.Int("cache_hits", table.CacheHits),
		slog.Duration("elapsed", table.FinishedAt.Sub(table.StartedAt)),
	)
	return table, nil
}

// fetch opens one session for the batch and fetches the URLs at positions.
// The session is closed before fetch returns, whatever the outcome.
func (o *Orchestrator) fetch(ctx context.Context, index int, urls []string, positions []int) (rows []models.PageResult, err error) {
	o.setState(index, StateFetching)
	session, err := o.opener.Open(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			slog.Warn("close session", slog.Int("batch", index), slog.Any("error", cerr))
		}
	}()

	pending := make([]string, len(positions))
	for j, pos := range positions {
		pending[j] = urls[pos]
	}

	session.Dispatch(pending)
	o.setState(index, StateCollecting)
	rows = session.Wait()
	if len(rows) != len(pending) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrShortResults, len(rows), len(pending))
	}
	return rows, nil
}

func (o *Orchestrator) setState(batch int, to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()

	slog.Debug("batch state", slog.Int("batch", batch), slog.String("from", from.String()), slog.String("to", to.String()))
	if o.observer != nil {
		o.observer(Transition{Batch: batch, From: from, To: to})
	}
}

func accumulate(result *models.RunResult, table *models.BatchTable) {
	result.BatchCount++
	result.CacheHits += table.CacheHits
	for _, row := range table.Rows {
		if row.OK() {
			result.SuccessCount++
			result.ReviewCount += len(row.Reviews)
			continue
		}
		result.FailureCount++
		result.FailedURLs = append(result.FailedURLs, row.URL)
		result.ErrorsByType[row.ErrorType]++
	}
}
