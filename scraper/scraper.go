package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PavelKucherenko/sf-ds50-course/config"
	"github.com/PavelKucherenko/sf-ds50-course/models"
	"github.com/PavelKucherenko/sf-ds50-course/parser"
	"github.com/PavelKucherenko/sf-ds50-course/pipeline"
	"github.com/gocolly/colly/v2"
)

// errNoResponse marks a dispatched URL whose fetch ended without either a
// response or an error callback, for instance an aborted request.
var errNoResponse = errors.New("no response received")

// Fetcher opens one collector per batch against the review site.
type Fetcher struct {
	cfg       *config.Config
	base      *url.URL
	transport func() http.RoundTripper
	Metrics   *Metrics

	requestCount int64
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	f := &Fetcher{
		cfg:     cfg,
		base:    parsed,
		Metrics: NewMetrics(),
	}
	f.transport = f.defaultTransport
	return f, nil
}

// WithTransport replaces the per-batch transport factory.
func (f *Fetcher) WithTransport(fn func() http.RoundTripper) *Fetcher {
	if fn != nil {
		f.transport = fn
	}
	return f
}

func (f *Fetcher) defaultTransport() http.RoundTripper {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   f.cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: max(f.cfg.Parallelism, 2),
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Resolve joins a relative page path onto the base URL. Absolute URLs are
// returned unchanged.
func (f *Fetcher) Resolve(raw string) string {
	raw = strings.TrimSpace(raw)
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return raw
	}
	return strings.TrimSuffix(f.base.String(), "/") + "/" + strings.TrimPrefix(raw, "/")
}

// Open creates the batch's collector and its connection pool. The returned
// session must be closed once Wait has returned.
func (f *Fetcher) Open(ctx context.Context, batch int) (pipeline.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(f.base.Hostname()),
		colly.UserAgent(f.cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.IgnoreRobotsTxt = true
	collector.MaxBodySize = 0
	collector.SetRequestTimeout(f.cfg.Timeout)

	transport := f.transport()
	collector.WithTransport(transport)

	if f.cfg.Parallelism > 0 {
		if err := collector.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: f.cfg.Parallelism,
		}); err != nil {
			return nil, fmt.Errorf("configure rate limits: %w", err)
		}
	}

	s := &session{
		ctx:       ctx,
		batch:     batch,
		fetcher:   f,
		collector: collector,
		transport: transport,
	}
	collector.OnRequest(s.onRequest)
	collector.OnResponseHeaders(s.onResponseHeaders)
	collector.OnResponse(s.onResponse)
	collector.OnError(s.onError)
	return s, nil
}

type session struct {
	ctx       context.Context
	batch     int
	fetcher   *Fetcher
	collector *colly.Collector
	transport http.RoundTripper

	mu      sync.Mutex
	urls    []string
	results []models.PageResult
	done    []bool

	closeOnce sync.Once
}

func (s *session) Dispatch(urls []string) {
	s.mu.Lock()
	s.urls = append([]string(nil), urls...)
	s.results = make([]models.PageResult, len(urls))
	s.done = make([]bool, len(urls))
	s.mu.Unlock()

	for i, raw := range urls {
		if err := s.ctx.Err(); err != nil {
			s.fail(i, classifyError(err, 0))
			continue
		}
		rctx := colly.NewContext()
		rctx.Put("index", i)
		if err := s.collector.Request(http.MethodGet, s.fetcher.Resolve(raw), nil, rctx, nil); err != nil {
			s.fail(i, classifyError(err, 0))
		}
	}
}

func (s *session) Wait() []models.PageResult {
	s.collector.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	missing := s.ctx.Err()
	if missing == nil {
		missing = errNoResponse
	}
	missing = classifyError(missing, 0)

	out := make([]models.PageResult, len(s.results))
	for i := range s.results {
		if !s.done[i] {
			s.results[i] = models.Failed(i, s.urls[i], missing, ErrorType(missing))
			s.done[i] = true
		}
		out[i] = s.results[i]
	}
	return out
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		if t, ok := s.transport.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
	})
	return nil
}

func (s *session) onRequest(r *colly.Request) {
	if s.ctx.Err() != nil {
		r.Abort()
		return
	}
	r.Ctx.Put("start", time.Now())
	s.fetcher.Metrics.IncRequest("started")

	current := atomic.AddInt64(&s.fetcher.requestCount, 1)
	if current%50 == 0 {
		slog.Debug("scraper request progress",
			slog.Int64("requests", current),
			slog.Int("batch", s.batch),
			slog.String("url", r.URL.String()),
		)
	}
}

// onResponseHeaders fails pages that declare a charset other than UTF-8.
// colly transcodes such bodies before OnResponse, which would hide them from
// the UTF-8 check in the parser.
func (s *session) onResponseHeaders(r *colly.Response) {
	if r.StatusCode >= 203 || r.Headers == nil {
		return
	}
	charset, ok := foreignCharset(r.Headers.Get("Content-Type"))
	if !ok {
		return
	}
	i, ok := requestIndex(r.Request)
	if !ok {
		return
	}
	r.Request.Abort()
	s.observe(r.Request)
	s.fetcher.Metrics.IncRequest("completed")
	s.fail(i, ErrDecode{Err: fmt.Errorf("body declared as %s", charset)})
}

func (s *session) onResponse(r *colly.Response) {
	i, ok := requestIndex(r.Request)
	if !ok {
		return
	}
	s.observe(r.Request)
	s.fetcher.Metrics.IncRequest("completed")

	doc, err := parser.ParseDocument(r.Body)
	if err != nil {
		s.fail(i, classifyParseError(err))
		return
	}
	ratings, reviews := parser.Extract(doc)
	s.fetcher.Metrics.IncPages(len(reviews))

	s.record(i, models.PageResult{
		Index:   i,
		URL:     s.urlAt(i),
		Ratings: ratings,
		Reviews: reviews,
	})
}

func (s *session) onError(r *colly.Response, err error) {
	if r == nil {
		return
	}
	if errors.Is(err, colly.ErrAbortedAfterHeaders) {
		return
	}
	i, ok := requestIndex(r.Request)
	if !ok {
		return
	}
	s.observe(r.Request)
	s.fetcher.Metrics.IncRequest("failed")
	s.fail(i, classifyError(err, r.StatusCode))
}

func (s *session) observe(r *colly.Request) {
	if r == nil || r.Ctx == nil {
		return
	}
	if start, ok := r.Ctx.GetAny("start").(time.Time); ok {
		s.fetcher.Metrics.ObserveDuration(time.Since(start))
	}
}

func (s *session) fail(i int, err error) {
	category := ErrorType(err)
	s.fetcher.Metrics.IncError(category)
	slog.Error("request error",
		slog.Int("batch", s.batch),
		slog.String("url", s.urlAt(i)),
		slog.String("category", category),
		slog.Any("error", err),
	)
	s.record(i, models.Failed(i, s.urlAt(i), err, category))
}

// record stores the first outcome for position i; later ones are dropped.
func (s *session) record(i int, result models.PageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.done) || s.done[i] {
		return
	}
	s.results[i] = result
	s.done[i] = true
}

func (s *session) urlAt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.urls) {
		return ""
	}
	return s.urls[i]
}

// foreignCharset returns the charset named by contentType when it is not
// UTF-8. The substring test matches the one colly uses to decide whether to
// transcode.
func foreignCharset(contentType string) (string, bool) {
	ct := strings.ToLower(contentType)
	if !strings.Contains(ct, "charset") || strings.Contains(ct, "utf-8") || strings.Contains(ct, "utf8") {
		return "", false
	}
	if _, params, err := mime.ParseMediaType(ct); err == nil && params["charset"] != "" {
		return params["charset"], true
	}
	return ct, true
}

func requestIndex(r *colly.Request) (int, bool) {
	if r == nil || r.Ctx == nil {
		return 0, false
	}
	i, ok := r.Ctx.GetAny("index").(int)
	return i, ok
}
