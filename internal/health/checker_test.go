package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubProbe struct {
	mu  sync.Mutex
	err error
}

func (s *stubProbe) set(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubProbe) probe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestProbeEndpoint_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := HTTPProbe(srv.Client(), srv.URL)(context.Background()); err != nil {
		t.Errorf("expected probe to succeed: %v", err)
	}
}

func TestProbeEndpoint_failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := HTTPProbe(srv.Client(), srv.URL)(context.Background()); err == nil {
		t.Error("expected probe to fail")
	}
}

func TestProbeEndpoint_headFallsBackToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := HTTPProbe(srv.Client(), srv.URL)(context.Background()); err != nil {
		t.Errorf("expected GET fallback to succeed: %v", err)
	}
}

func TestReady_falseUntilFirstCheck(t *testing.T) {
	checker := New(Config{}, zap.NewNop())
	checker.Register("postgres", (&stubProbe{}).probe)
	if checker.Ready() {
		t.Fatal("ready before any probe ran")
	}
	checker.CheckAll(context.Background())
	if !checker.Ready() {
		t.Fatal("not ready after a passing probe")
	}
}

func TestCheckAll_degradesAfterThreshold(t *testing.T) {
	p := &stubProbe{}
	var (
		mu      sync.Mutex
		results []bool
	)
	checker := New(Config{FailThreshold: 2}, zap.NewNop())
	checker.Register("ledger", p.probe)
	checker.SetMetricsRecord(func(_ string, ok bool) {
		mu.Lock()
		results = append(results, ok)
		mu.Unlock()
	})
	ctx := context.Background()

	checker.CheckAll(ctx)
	p.set(errors.New("connection refused"))

	checker.CheckAll(ctx)
	if !checker.Ready() {
		t.Fatal("degraded after one failure, want grace until threshold")
	}
	checker.CheckAll(ctx)
	if checker.Ready() {
		t.Fatal("still ready after reaching the failure threshold")
	}
	st := checker.Statuses()[0]
	if st.Failures != 2 || st.Error == "" {
		t.Errorf("status = %+v", st)
	}

	p.set(nil)
	checker.CheckAll(ctx)
	if !checker.Ready() {
		t.Fatal("not ready after recovery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 4 || results[0] != true || results[1] != false {
		t.Errorf("metrics results = %v", results)
	}
}

func TestCheckAll_probeTimeout(t *testing.T) {
	checker := New(Config{ProbeTimeout: 10 * time.Millisecond, FailThreshold: 1}, zap.NewNop())
	checker.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	checker.CheckAll(context.Background())
	if checker.Ready() {
		t.Fatal("ready with a timed-out probe")
	}
}

func TestStatuses_sortedByName(t *testing.T) {
	checker := New(Config{}, zap.NewNop())
	checker.Register("redis", (&stubProbe{}).probe)
	checker.Register("ledger", (&stubProbe{}).probe)
	checker.Register("postgres", (&stubProbe{}).probe)
	got := checker.Statuses()
	if got[0].Name != "ledger" || got[1].Name != "postgres" || got[2].Name != "redis" {
		t.Errorf("order = %v", got)
	}
}
