package upload

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gurre/agent-uploader/metrics"
)

type stubEndpoint struct {
	kind    Kind
	results []error
	calls   int
}

func (s *stubEndpoint) Kind() Kind { return s.kind }

func (s *stubEndpoint) Upload(ctx context.Context, req Request) error {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx]
}

func TestClientRetriesThenSucceeds(t *testing.T) {
	stub := &stubEndpoint{
		kind: KindDryRun,
		results: []error{
			&transportError{err: errors.New("timeout")},
			&transportError{err: errors.New("timeout")},
			nil,
		},
	}
	client := NewClient(stub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Upload(ctx, Request{}); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if stub.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", stub.calls)
	}
}

func TestClientFailsFastOnFatalError(t *testing.T) {
	stub := &stubEndpoint{
		kind:    KindDryRun,
		results: []error{&statusError{code: http.StatusForbidden}},
	}
	client := NewClient(stub)
	err := client.Upload(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected fatal error to surface")
	}
	if stub.calls != 1 {
		t.Errorf("expected exactly 1 attempt on fatal error, got %d", stub.calls)
	}
}

func TestClientSurfacesLastErrorOnExhaustion(t *testing.T) {
	errs := make([]error, maxAttempts)
	for i := range errs {
		errs[i] = &statusError{code: http.StatusTooManyRequests}
	}
	stub := &stubEndpoint{kind: KindDryRun, results: errs}
	client := NewClient(stub)

	err := client.Upload(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if stub.calls != maxAttempts {
		t.Errorf("expected %d attempts, got %d", maxAttempts, stub.calls)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", &transportError{err: errors.New("x")}, true},
		{"construction", &constructionError{err: errors.New("x")}, true},
		{"local io", &localIOError{err: errors.New("x")}, false},
		{"408", &statusError{code: http.StatusRequestTimeout}, true},
		{"429", &statusError{code: http.StatusTooManyRequests}, true},
		{"500", &statusError{code: http.StatusInternalServerError}, true},
		{"503", &statusError{code: http.StatusServiceUnavailable}, true},
		{"403", &statusError{code: http.StatusForbidden}, false},
		{"404", &statusError{code: http.StatusNotFound}, false},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDryRunEndpointNeverTouchesNetwork(t *testing.T) {
	var logged string
	ep := NewDryRunEndpoint(func(format string, args ...any) {
		logged = format
	})
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.jsonl")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ep.Upload(context.Background(), Request{LocalPath: path, ObjectPath: "sessions/sid/segments/x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logged == "" {
		t.Error("expected dry run to log intended upload")
	}
}

func TestClientRecordsRetryMetric(t *testing.T) {
	stub := &stubEndpoint{
		kind: KindDryRun,
		results: []error{
			&transportError{err: errors.New("timeout")},
			nil,
		},
	}
	mx := metrics.New()
	client := NewClient(stub).WithMetrics(mx)

	if err := client.Upload(context.Background(), Request{}); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := testutil.ToFloat64(mx.UploadRetries); got != 1 {
		t.Errorf("expected 1 recorded retry, got %v", got)
	}
}

func TestClientRateLimiterDelaysSecondAttempt(t *testing.T) {
	stub := &stubEndpoint{kind: KindDryRun, results: []error{nil}}
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	// Drain the single burst token so the next Wait actually blocks briefly.
	_ = limiter.Allow()
	client := NewRateLimitedClient(stub, limiter)

	start := time.Now()
	if err := client.Upload(context.Background(), Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed <= 0 {
		t.Error("expected rate limiter to introduce some wait")
	}
}

func TestSupabaseEndpointMissingLocalFileIsFatal(t *testing.T) {
	ep := NewSupabaseEndpoint("https://example.test", "bucket", "key", http.DefaultClient)
	err := ep.Upload(context.Background(), Request{LocalPath: "/no/such/file", ObjectPath: "x"})
	if err == nil {
		t.Fatal("expected error for missing local file")
	}
	if isRetryable(err) {
		t.Error("expected missing local file to be classified as fatal")
	}
}
