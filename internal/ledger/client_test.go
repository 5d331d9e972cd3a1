package ledger

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/config"
	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/model"
)

func authedContext() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "ctrl-1",
		UserID:        9,
		Role:          model.RoleController,
		Authorization: "Bearer token-123",
		CorrelationID: "corr-1",
	})
}

func TestClient_WorkOrderSegment(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantID int64
		wantOK bool
	}{
		{"numeric id", `{"id":7,"segmento":{"id":3,"nome":"North"}}`, 3, true},
		{"string id", `{"id":7,"segmento":{"id":"12"}}`, 12, true},
		{"null segment", `{"id":7,"segmento":null}`, 0, false},
		{"missing segment", `{"id":7}`, 0, false},
		{"segment not an object", `{"id":7,"segmento":"north"}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newFakeLedger(t)
			ledger.respond(http.MethodGet, "/os/7", tt.body)
			c := newTestClient(ledger.URL)

			id, ok, err := c.WorkOrderSegment(authedContext(), 7)
			if err != nil {
				t.Fatalf("WorkOrderSegment() error = %v", err)
			}
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("WorkOrderSegment() = (%d, %v), want (%d, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestClient_WorkOrderSegment_notFound(t *testing.T) {
	ledger := newFakeLedger(t)
	c := newTestClient(ledger.URL)

	_, _, err := c.WorkOrderSegment(authedContext(), 404)
	if !model.IsCode(err, model.ErrIntegrationFailure) {
		t.Errorf("error = %v, want INTEGRATION_FAILURE", err)
	}
	if n := ledger.callCount(http.MethodGet, "/os/404"); n != 1 {
		t.Errorf("GET /os/404 called %d times, want 1 (4xx is not retried)", n)
	}
}

func TestClient_UserSegments(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.respond(http.MethodGet, "/usuarios/5", `{"id":5,"segmentos":[1,"2",3.0,"x",null]}`)
	c := newTestClient(ledger.URL)

	got, err := c.UserSegments(authedContext(), 5)
	if err != nil {
		t.Fatalf("UserSegments() error = %v", err)
	}
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("UserSegments() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("UserSegments()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestClient_UserSegments_missingList(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.respond(http.MethodGet, "/usuarios/5", `{"id":5}`)
	c := newTestClient(ledger.URL)

	got, err := c.UserSegments(authedContext(), 5)
	if err != nil {
		t.Fatalf("UserSegments() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("UserSegments() = %v, want empty", got)
	}
}

func TestClient_retriesReadsOnServerError(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.fail(http.MethodGet, "/os/7", http.StatusBadGateway)

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	c := NewClient(testLedgerConfig(ledger.URL), metrics, zap.NewNop())

	_, _, err := c.WorkOrderSegment(authedContext(), 7)
	if !model.IsCode(err, model.ErrIntegrationFailure) {
		t.Fatalf("error = %v, want INTEGRATION_FAILURE", err)
	}
	if n := ledger.callCount(http.MethodGet, "/os/7"); n != 3 {
		t.Errorf("GET /os/7 called %d times, want 3", n)
	}
	if got := testutil.ToFloat64(metrics.LedgerRetriesTotal.WithLabelValues(opGetWorkOrder)); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
}

func TestClient_doesNotRetryWrites(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.fail(http.MethodPost, "/os/detalhe", http.StatusServiceUnavailable)
	c := newTestClient(ledger.URL)

	err := c.CreateItem(authedContext(), ledger.URL, NewItem{WorkOrderID: 1, PricingUnitID: 2, Quantity: 3})
	if !model.IsCode(err, model.ErrIntegrationFailure) {
		t.Fatalf("error = %v, want INTEGRATION_FAILURE", err)
	}
	if n := ledger.callCount(http.MethodPost, "/os/detalhe"); n != 1 {
		t.Errorf("POST called %d times, want 1", n)
	}
}

func TestClient_CreateItem_payload(t *testing.T) {
	ledger := newFakeLedger(t)
	c := newTestClient(ledger.URL)

	err := c.CreateItem(authedContext(), ledger.URL, NewItem{
		WorkOrderID:   100,
		PricingUnitID: 11,
		Quantity:      6,
		BOQ:           "BOQ-1",
	})
	if err != nil {
		t.Fatalf("CreateItem() error = %v", err)
	}

	calls := ledger.mutations()
	if len(calls) != 1 {
		t.Fatalf("mutations = %d, want 1", len(calls))
	}
	body := calls[0].Body
	if os := body["os"].(map[string]any); os["id"] != float64(100) {
		t.Errorf("os.id = %v, want 100", os["id"])
	}
	if lpu := body["lpu"].(map[string]any); lpu["id"] != float64(11) {
		t.Errorf("lpu.id = %v, want 11", lpu["id"])
	}
	if body["quantidade"] != float64(6) {
		t.Errorf("quantidade = %v, want 6", body["quantidade"])
	}
	if body["boq"] != "BOQ-1" {
		t.Errorf("boq = %v, want BOQ-1", body["boq"])
	}
	if body["statusRegistro"] != "ATIVO" {
		t.Errorf("statusRegistro = %v, want ATIVO default", body["statusRegistro"])
	}
}

func TestClient_UpdateItem_payload(t *testing.T) {
	ledger := newFakeLedger(t)
	c := newTestClient(ledger.URL)
	lpu := int64(4)

	if err := c.UpdateItem(authedContext(), ledger.URL, 55, ItemUpdate{Quantity: 9, PricingUnitID: &lpu}); err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}
	if err := c.UpdateItem(authedContext(), ledger.URL, 56, ItemUpdate{Quantity: 2, BOQ: "B"}); err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}

	calls := ledger.mutations()
	if len(calls) != 2 {
		t.Fatalf("mutations = %d, want 2", len(calls))
	}
	if calls[0].Method != http.MethodPut || calls[0].Path != "/os/detalhe/55" {
		t.Errorf("call[0] = %s %s", calls[0].Method, calls[0].Path)
	}
	if calls[0].Body["quantidade"] != float64(9) || calls[0].Body["boq"] != "" {
		t.Errorf("call[0] body = %v", calls[0].Body)
	}
	if lpu := calls[0].Body["lpu"].(map[string]any); lpu["id"] != float64(4) {
		t.Errorf("call[0] lpu = %v", lpu)
	}
	if _, ok := calls[1].Body["lpu"]; ok {
		t.Errorf("call[1] should not carry lpu, body = %v", calls[1].Body)
	}
}

func TestClient_PatchItemStatus_forwardsHeaders(t *testing.T) {
	ledger := newFakeLedger(t)
	c := newTestClient(ledger.URL)

	if err := c.PatchItemStatus(authedContext(), ledger.URL, 55, "INATIVO"); err != nil {
		t.Fatalf("PatchItemStatus() error = %v", err)
	}

	calls := ledger.mutations()
	if len(calls) != 1 {
		t.Fatalf("mutations = %d, want 1", len(calls))
	}
	if calls[0].Method != http.MethodPatch || calls[0].Path != "/os/detalhe/55/status" {
		t.Errorf("call = %s %s", calls[0].Method, calls[0].Path)
	}
	if calls[0].Body["status"] != "INATIVO" {
		t.Errorf("status = %v, want INATIVO", calls[0].Body["status"])
	}
	if calls[0].Authorization != "Bearer token-123" {
		t.Errorf("Authorization = %q, want forwarded verbatim", calls[0].Authorization)
	}
}

func TestClient_unreachableLedger(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.setDown(true)
	c := newTestClient(ledger.URL)

	_, err := c.UserSegments(authedContext(), 1)
	if !model.IsCode(err, model.ErrIntegrationUnavailable) {
		t.Errorf("error = %v, want INTEGRATION_UNAVAILABLE", err)
	}
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() error = nil, want unavailable")
	}
}

func TestClient_openBreakerFailsFast(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.fail(http.MethodPost, "/os/detalhe", http.StatusInternalServerError)

	cfg := testLedgerConfig(ledger.URL)
	cfg.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}
	c := NewClient(cfg, nil, zap.NewNop())
	item := NewItem{WorkOrderID: 1, PricingUnitID: 1, Quantity: 1}

	if err := c.CreateItem(authedContext(), ledger.URL, item); !model.IsCode(err, model.ErrIntegrationFailure) {
		t.Fatalf("first error = %v, want INTEGRATION_FAILURE", err)
	}
	if err := c.CreateItem(authedContext(), ledger.URL, item); !model.IsCode(err, model.ErrIntegrationUnavailable) {
		t.Errorf("second error = %v, want INTEGRATION_UNAVAILABLE", err)
	}
	if n := ledger.callCount(http.MethodPost, "/os/detalhe"); n != 1 {
		t.Errorf("POST called %d times, want 1", n)
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := config.RetryConfig{
		BackoffInitial:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        300 * time.Millisecond,
	}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{6, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := calculateBackoff(cfg, tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSanitizeHeader(t *testing.T) {
	if got := sanitizeHeader("Bearer a\r\nX-Evil: 1"); got != "Bearer aX-Evil: 1" {
		t.Errorf("sanitizeHeader() = %q", got)
	}
}
