package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/PavelKucherenko/sf-ds50-course/config"
	"github.com/PavelKucherenko/sf-ds50-course/models"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testBase = "http://example.test"

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.Parallelism = 4
	cfg.Timeout = 5 * time.Second
	return cfg
}

func newTestFetcher(t *testing.T, transport *httpmock.MockTransport) *Fetcher {
	t.Helper()
	f, err := NewFetcher(testConfig())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f.WithTransport(func() http.RoundTripper { return transport })
}

func reviewPage(id string, bubble int) string {
	return fmt.Sprintf(`<html><body>
<div class="choices">
  <div class="ui_checkbox item" data-value="5"><label class="row_num is-shown-at-tablet">12</label></div>
</div>
<div class="review-container" data-reviewid=%q>
  <div><div><div><div>
    <div class="prw_rup prw_reviews_text_summary_hsx"><div><p>Great stay %s</p></div></div>
    <div class="prw_rup prw_reviews_stay_date_hsx">Date of stay: May 2019</div>
  </div></div></div></div>
  <span class="ui_bubble_rating bubble_%d"></span>
  <span class="numHelp">3</span>
</div>
</body></html>`, id, id, bubble)
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func runBatch(t *testing.T, f *Fetcher, urls []string) []models.PageResult {
	t.Helper()
	session, err := f.Open(context.Background(), 0)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer session.Close()

	session.Dispatch(urls)
	return session.Wait()
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: errors.New("Internal Server Error"), statusCode: http.StatusInternalServerError, expected: "http_status"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorType(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestNewFetcherRequiresHost(t *testing.T) {
	cfg := testConfig()
	cfg.BaseURL = "/relative/only"
	if _, err := NewFetcher(cfg); err == nil {
		t.Fatalf("expected error for base url without host")
	}
}

func TestResolve(t *testing.T) {
	f, err := NewFetcher(testConfig())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "/Hotel_Review-g1-d2.html", want: testBase + "/Hotel_Review-g1-d2.html"},
		{raw: "Hotel_Review-g1-d2.html", want: testBase + "/Hotel_Review-g1-d2.html"},
		{raw: " /Hotel_Review-g1-d2.html ", want: testBase + "/Hotel_Review-g1-d2.html"},
		{raw: "https://other.test/page.html", want: "https://other.test/page.html"},
	}
	for _, tt := range tests {
		if got := f.Resolve(tt.raw); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestSessionPreservesOrder(t *testing.T) {
	transport := httpmock.NewMockTransport()
	urls := make([]string, 8)
	for i := range urls {
		id := fmt.Sprintf("r%d", i)
		urls[i] = fmt.Sprintf("/Hotel_Review-%d.html", i)
		transport.RegisterResponder(http.MethodGet, testBase+urls[i], htmlResponder(reviewPage(id, 10*(i%5+1))))
	}

	f := newTestFetcher(t, transport)
	results := runBatch(t, f, urls)

	if len(results) != len(urls) {
		t.Fatalf("got %d results, want %d", len(results), len(urls))
	}
	for i, res := range results {
		if !res.OK() {
			t.Fatalf("result %d failed: %v", i, res.Err)
		}
		if res.URL != urls[i] {
			t.Errorf("result %d url = %q, want %q", i, res.URL, urls[i])
		}
		if len(res.Reviews) != 1 {
			t.Fatalf("result %d reviews = %d, want 1", i, len(res.Reviews))
		}
		review := res.Reviews[0]
		if review.ID == nil || *review.ID != fmt.Sprintf("r%d", i) {
			t.Errorf("result %d review id = %v", i, review.ID)
		}
		if review.Rating == nil || *review.Rating != i%5+1 {
			t.Errorf("result %d rating = %v, want %d", i, review.Rating, i%5+1)
		}
		if len(res.Ratings) != 1 || res.Ratings[0].Count == nil || *res.Ratings[0].Count != "12" {
			t.Errorf("result %d rating table = %+v", i, res.Ratings)
		}
	}

	if got := testutil.ToFloat64(f.Metrics.PagesParsedTotal); got != float64(len(urls)) {
		t.Errorf("pages parsed = %v, want %d", got, len(urls))
	}
	if got := testutil.ToFloat64(f.Metrics.ReviewsTotal); got != float64(len(urls)) {
		t.Errorf("reviews extracted = %v, want %d", got, len(urls))
	}
}

func TestSessionMixedOutcomes(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testBase+"/ok.html", htmlResponder(reviewPage("a", 50)))
	transport.RegisterResponder(http.MethodGet, testBase+"/down.html",
		httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}))

	f := newTestFetcher(t, transport)
	results := runBatch(t, f, []string{"/ok.html", "/down.html"})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].OK() {
		t.Fatalf("first result failed: %v", results[0].Err)
	}
	if results[1].OK() {
		t.Fatalf("second result should fail")
	}
	if results[1].ErrorType != "connection" {
		t.Errorf("error type = %q, want connection", results[1].ErrorType)
	}
	if results[1].URL != "/down.html" {
		t.Errorf("failed url = %q", results[1].URL)
	}
	if got := testutil.ToFloat64(f.Metrics.ErrorsTotal.WithLabelValues("connection")); got != 1 {
		t.Errorf("connection errors = %v, want 1", got)
	}
}

func TestSessionHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
		{status: http.StatusBadGateway, expected: "http_status"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder(http.MethodGet, testBase+"/page.html", httpmock.NewStringResponder(tt.status, ""))

			results := runBatch(t, newTestFetcher(t, transport), []string{"/page.html"})
			if len(results) != 1 {
				t.Fatalf("got %d results, want 1", len(results))
			}
			if got := results[0].ErrorType; got != tt.expected {
				t.Fatalf("error type = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSessionInvalidEncoding(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testBase+"/latin1.html",
		httpmock.NewBytesResponder(http.StatusOK, []byte{'<', 'p', '>', 0xff, 0xfe, '<', '/', 'p', '>'}))

	results := runBatch(t, newTestFetcher(t, transport), []string{"/latin1.html"})
	if got := results[0].ErrorType; got != "decode" {
		t.Fatalf("error type = %q, want decode", got)
	}
}

func TestSessionDeclaredCharset(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        []byte
		wantType    string
	}{
		{name: "latin1 body", contentType: "text/html; charset=iso-8859-1", body: []byte{'<', 'p', '>', 0xff, '<', '/', 'p', '>'}, wantType: "decode"},
		{name: "cyrillic declared", contentType: "text/html; charset=windows-1251", body: []byte("<p>plain</p>"), wantType: "decode"},
		{name: "utf8 declared", contentType: "text/html; charset=UTF-8", body: []byte(reviewPage("u", 50))},
		{name: "no charset", contentType: "text/html", body: []byte(reviewPage("n", 50))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := httpmock.NewBytesResponse(http.StatusOK, tt.body)
			resp.Header.Set("Content-Type", tt.contentType)
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder(http.MethodGet, testBase+"/page.html", httpmock.ResponderFromResponse(resp))

			f := newTestFetcher(t, transport)
			results := runBatch(t, f, []string{"/page.html"})
			if got := results[0].ErrorType; got != tt.wantType {
				t.Fatalf("error type = %q, want %q (err %v)", got, tt.wantType, results[0].Err)
			}
			if tt.wantType == "" {
				return
			}
			if got := testutil.ToFloat64(f.Metrics.ErrorsTotal.WithLabelValues("decode")); got != 1 {
				t.Fatalf("decode errors = %v, want 1", got)
			}
			if got := testutil.ToFloat64(f.Metrics.PagesParsedTotal); got != 0 {
				t.Fatalf("pages parsed = %v, want 0", got)
			}
		})
	}
}

func TestForeignCharset(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
		foreign     bool
	}{
		{contentType: "", foreign: false},
		{contentType: "text/html", foreign: false},
		{contentType: "text/html; charset=utf-8", foreign: false},
		{contentType: "text/html; charset=UTF8", foreign: false},
		{contentType: "text/html; charset=ISO-8859-1", want: "iso-8859-1", foreign: true},
		{contentType: "text/html;charset=windows-1251", want: "windows-1251", foreign: true},
	}
	for _, tt := range tests {
		got, foreign := foreignCharset(tt.contentType)
		if got != tt.want || foreign != tt.foreign {
			t.Errorf("foreignCharset(%q) = %q, %v; want %q, %v", tt.contentType, got, foreign, tt.want, tt.foreign)
		}
	}
}

func TestSessionDuplicateURLs(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testBase+"/same.html", htmlResponder(reviewPage("dup", 40)))

	results := runBatch(t, newTestFetcher(t, transport), []string{"/same.html", "/same.html", "/same.html"})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, res := range results {
		if !res.OK() {
			t.Errorf("result %d failed: %v", i, res.Err)
		}
	}
	if got := transport.GetTotalCallCount(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestSessionForeignDomainFails(t *testing.T) {
	transport := httpmock.NewMockTransport()

	results := runBatch(t, newTestFetcher(t, transport), []string{"https://elsewhere.test/page.html"})
	if results[0].OK() {
		t.Fatalf("expected failure for url outside the base host")
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("no request should reach the transport")
	}
}

func TestOpenCancelledContext(t *testing.T) {
	f := newTestFetcher(t, httpmock.NewMockTransport())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Open(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("open error = %v, want context.Canceled", err)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	f := newTestFetcher(t, httpmock.NewMockTransport())
	session, err := f.Open(context.Background(), 3)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	session.Dispatch(nil)
	if got := session.Wait(); len(got) != 0 {
		t.Fatalf("empty dispatch returned %d results", len(got))
	}
	if err := session.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMetricsObserveBatch(t *testing.T) {
	m := NewMetrics()
	table := &models.BatchTable{
		Rows: []models.PageResult{
			{URL: "/a"},
			models.Failed(1, "/b", errors.New("boom"), "other"),
			{URL: "/c"},
		},
		CacheHits: 1,
	}
	m.ObserveBatch(2*time.Second, table)

	if got := testutil.ToFloat64(m.BatchesTotal); got != 1 {
		t.Errorf("batches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BatchRowsTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("success rows = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BatchRowsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("failure rows = %v, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveBatch(time.Second, table)
}
