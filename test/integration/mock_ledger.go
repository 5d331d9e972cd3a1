package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// RecordedRequest captures a request received by the mock ledger.
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    map[string]any
}

// MockLedger simulates the work-order ledger: it answers the status probe,
// serves work orders and users from configured tables, and records every
// mutation.
type MockLedger struct {
	server *httptest.Server

	mu         sync.Mutex
	down       bool
	workOrders map[int64]int64
	users      map[int64][]int64
	failures   map[string]int
	received   []*RecordedRequest
}

func newMockLedger(t *testing.T) *MockLedger {
	t.Helper()
	ml := &MockLedger{
		workOrders: make(map[int64]int64),
		users:      make(map[int64][]int64),
		failures:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/public/status", ml.handleStatus)
	mux.HandleFunc("GET /os/{id}", ml.handleWorkOrder)
	mux.HandleFunc("GET /usuarios/{id}", ml.handleUser)
	mux.HandleFunc("PATCH /os/detalhe/{id}/status", ml.handleMutation)
	mux.HandleFunc("PUT /os/detalhe/{id}", ml.handleMutation)
	mux.HandleFunc("POST /os/detalhe", ml.handleMutation)

	ml.server = httptest.NewServer(mux)
	t.Cleanup(ml.server.Close)
	return ml
}

// URL returns the base URL of the mock ledger.
func (ml *MockLedger) URL() string {
	return ml.server.URL
}

// SetDown makes the status probe fail.
func (ml *MockLedger) SetDown(down bool) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.down = down
}

// SetWorkOrderSegment registers a work order and its segment.
func (ml *MockLedger) SetWorkOrderSegment(workOrderID, segmentID int64) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.workOrders[workOrderID] = segmentID
}

// SetUserSegments registers the segments of a user.
func (ml *MockLedger) SetUserSegments(userID int64, segments ...int64) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.users[userID] = segments
}

// Fail makes every call to method and path answer with status until Heal.
func (ml *MockLedger) Fail(method, path string, status int) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.failures[method+" "+path] = status
}

// Heal removes a failure configured with Fail.
func (ml *MockLedger) Heal(method, path string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.failures, method+" "+path)
}

// Mutations returns the recorded PATCH, PUT and POST requests in order.
func (ml *MockLedger) Mutations() []*RecordedRequest {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	out := make([]*RecordedRequest, 0, len(ml.received))
	for _, r := range ml.received {
		if r.Method != http.MethodGet {
			out = append(out, r)
		}
	}
	return out
}

func (ml *MockLedger) record(r *http.Request) *RecordedRequest {
	rec := &RecordedRequest{Method: r.Method, Path: r.URL.Path, Headers: r.Header.Clone()}
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		json.Unmarshal(raw, &rec.Body)
	}
	ml.received = append(ml.received, rec)
	return rec
}

func (ml *MockLedger) handleStatus(w http.ResponseWriter, _ *http.Request) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if ml.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (ml *MockLedger) handleWorkOrder(w http.ResponseWriter, r *http.Request) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.record(r)
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	seg, ok := ml.workOrders[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"segmento": map[string]any{"id": seg},
	})
}

func (ml *MockLedger) handleUser(w http.ResponseWriter, r *http.Request) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.record(r)
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	segs, ok := ml.users[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "segmentos": segs})
}

func (ml *MockLedger) handleMutation(w http.ResponseWriter, r *http.Request) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.record(r)
	if status, ok := ml.failures[r.Method+" "+r.URL.Path]; ok {
		writeJSON(w, status, map[string]string{"error": fmt.Sprintf("rejected with %d", status)})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
