// Package integration provides a reusable test harness for end-to-end
// integration testing of the complement server. It starts a full HTTP server
// backed by a mock ledger, an in-memory request store, a Redis replay journal
// on miniredis, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/approval"
	"github.com/pitabwire/complement/internal/config"
	"github.com/pitabwire/complement/internal/ledger"
	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/internal/role"
	"github.com/pitabwire/complement/internal/segment"
	"github.com/pitabwire/complement/internal/store"
	"github.com/pitabwire/complement/internal/transport"
	"github.com/pitabwire/complement/internal/visibility"
)

// TestHarness encapsulates a fully wired complement instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Ledger  *MockLedger
	Store   *store.MemoryRequestStore
	Journal *ledger.RedisJournal
	Redis   *miniredis.Miniredis
	Service *approval.Service
	Metrics *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout  time.Duration
	approvalTimeout time.Duration
	policyFile      string
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithApprovalTimeout bounds the ledger work of a single approval.
func WithApprovalTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.approvalTimeout = d
	}
}

// NewTestHarness creates and starts a fully wired test server. All resources
// are cleaned up when the test finishes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:  10 * time.Second,
		approvalTimeout: 5 * time.Second,
		policyFile:      filepath.Join(testdataDir(), "roles.yaml"),
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())

	h.Ledger = newMockLedger(t)
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Ledger.Candidates = []string{h.Ledger.URL()}
	h.cfg.Ledger.ApprovalTimeout = hc.approvalTimeout
	h.cfg.Ledger.Retry.MaxAttempts = 1
	h.cfg.Roles.PolicyFile = hc.policyFile
	h.cfg.Observability.Metrics.Enabled = false

	h.Redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { rdb.Close() })
	h.Journal = ledger.NewRedisJournal(rdb, h.cfg.Journal.TTL)

	roles, err := role.NewMapper(h.cfg.Roles.PolicyFile)
	if err != nil {
		t.Fatalf("load role policy: %v", err)
	}

	h.Store = store.NewMemoryRequestStore()
	ledgerClient := ledger.NewClient(h.cfg.Ledger, h.Metrics, logger)
	gateway := ledger.NewGateway(ledgerClient, h.Journal, h.Metrics, logger)
	segments := segment.NewResolver(ledgerClient, h.Store, h.Metrics, logger)
	engine := visibility.NewEngine(h.Store, segments, h.cfg.Listing.HistoryLimit, logger)
	h.Service = approval.NewService(h.Store, segments, gateway, h.cfg.Ledger.ApprovalTimeout, h.Metrics, logger)

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Roles:        roles,
		Service:      h.Service,
		Engine:       engine,
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			RequestStore:  h.Store,
			Ledger:        ledgerClient,
			ReplayJournal: h.Journal,
		},
		Logger: logger,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// RequesterClaims returns TestClaims for a field technician.
func RequesterClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-tech",
		UserID:    1,
		Email:     "tech@complement.example.com",
		Roles:     []string{"ROLE_TECNICO"},
	}
}

// CoordinatorClaims returns TestClaims for a coordinator of segment 3.
func CoordinatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-coord",
		UserID:    20,
		Email:     "coord@complement.example.com",
		Roles:     []string{"ROLE_COORDENADOR"},
	}
}

// OtherCoordinatorClaims returns TestClaims for a coordinator of segment 4.
func OtherCoordinatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-coord-other",
		UserID:    21,
		Email:     "coord2@complement.example.com",
		Roles:     []string{"ROLE_COORDENADOR"},
	}
}

// ControllerClaims returns TestClaims for a controller.
func ControllerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-ctrl",
		UserID:    30,
		Email:     "ctrl@complement.example.com",
		Roles:     []string{"ROLE_CONTROLADOR"},
	}
}
