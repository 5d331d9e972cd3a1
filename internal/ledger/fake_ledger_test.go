package ledger

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/config"
)

// recordedCall is one request received by fakeLedger.
type recordedCall struct {
	Method        string
	Path          string
	Authorization string
	Traceparent   string
	Body          map[string]any
}

// fakeLedger is an httptest ledger that answers the status probe, serves
// canned work orders and users, and records every mutation.
type fakeLedger struct {
	*httptest.Server

	mu         sync.Mutex
	down       bool
	calls      []recordedCall
	failures   map[string]int
	responses  map[string]string
	probeCount int
}

func newFakeLedger(t *testing.T) *fakeLedger {
	t.Helper()
	f := &fakeLedger{
		failures:  make(map[string]int),
		responses: make(map[string]string),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeLedger) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/api/public/status" {
		f.probeCount++
		if f.down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"UP"}`))
		return
	}

	call := recordedCall{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Traceparent:   r.Header.Get("Traceparent"),
	}
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		json.Unmarshal(raw, &call.Body)
	}
	f.calls = append(f.calls, call)

	key := r.Method + " " + r.URL.Path
	if code, ok := f.failures[key]; ok {
		w.WriteHeader(code)
		w.Write([]byte(`{"error":"rejected"}`))
		return
	}
	if body, ok := f.responses[key]; ok {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
		return
	}
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeLedger) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeLedger) fail(method, path string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method+" "+path] = code
}

func (f *fakeLedger) heal(method, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, method+" "+path)
}

func (f *fakeLedger) respond(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+path] = body
}

// mutations returns the recorded non-GET calls.
func (f *fakeLedger) mutations() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Method != http.MethodGet {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeLedger) probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCount
}

func (f *fakeLedger) callCount(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func testLedgerConfig(candidates ...string) config.LedgerConfig {
	return config.LedgerConfig{
		Candidates:      candidates,
		ProbePath:       "/api/public/status",
		ProbeTimeout:    time.Second,
		CallTimeout:     2 * time.Second,
		ApprovalTimeout: 5 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Millisecond,
		},
	}
}

func newTestClient(candidates ...string) *Client {
	return NewClient(testLedgerConfig(candidates...), nil, zap.NewNop())
}
