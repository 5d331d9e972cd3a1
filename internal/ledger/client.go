// Package ledger talks to the external work-order ledger: it discovers a
// reachable endpoint, reads work-order and user segments, and mirrors
// approved requests as ledger items.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/config"
	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/model"
)

// maxResponseBytes bounds how much of a ledger answer is read.
const maxResponseBytes = 10 << 20

// Ledger operation names used in metrics and spans.
const (
	opGetWorkOrder = "get_work_order"
	opGetUser      = "get_user"
	opPatchStatus  = "patch_item_status"
	opUpdateItem   = "update_item"
	opCreateItem   = "create_item"
)

// ItemUpdate is the value change applied to an existing ledger item.
type ItemUpdate struct {
	Quantity      int64
	BOQ           string
	PricingUnitID *int64
}

// NewItem is the line item created on the ledger for an approved request.
type NewItem struct {
	WorkOrderID   int64
	PricingUnitID int64
	Quantity      int
	BOQ           string
	RecordStatus  string
}

// Client performs calls against the ledger. Every call carries the caller's
// Authorization header verbatim along with the correlation and trace headers.
type Client struct {
	resolver EndpointResolver
	http     *http.Client
	breakers *Breakers
	retry    config.RetryConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewClient creates a client that discovers its endpoint by probing
// cfg.Candidates. metrics may be nil.
func NewClient(cfg config.LedgerConfig, metrics *observability.Metrics, logger *zap.Logger) *Client {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	breakers := NewBreakers(cfg.CircuitBreaker, func(endpoint string, s BreakerState) {
		metrics.SetLedgerCircuitBreakerState(endpoint, float64(s))
		logger.Info("ledger circuit breaker changed state",
			zap.String("endpoint", endpoint),
			zap.Stringer("state", s),
		)
	})
	return &Client{
		resolver: NewProbeResolver(cfg, httpClient, breakers, metrics, logger),
		http:     httpClient,
		breakers: breakers,
		retry:    cfg.Retry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Resolve returns the ledger base URL to use for the current operation.
func (c *Client) Resolve(ctx context.Context) (string, error) {
	return c.resolver.Resolve(ctx)
}

// HealthCheck reports whether a ledger endpoint is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.resolver.Resolve(ctx)
	return err
}

// WorkOrderSegment returns the segment of a work order. ok is false when the
// ledger knows the work order but it carries no segment.
func (c *Client) WorkOrderSegment(ctx context.Context, workOrderID int64) (segmentID int64, ok bool, err error) {
	base, err := c.Resolve(ctx)
	if err != nil {
		return 0, false, err
	}

	var body struct {
		Segment json.RawMessage `json:"segmento"`
	}
	if err := c.do(ctx, base, opGetWorkOrder, http.MethodGet, fmt.Sprintf("/os/%d", workOrderID), nil, &body); err != nil {
		return 0, false, err
	}

	var segment struct {
		ID json.RawMessage `json:"id"`
	}
	if len(body.Segment) == 0 || json.Unmarshal(body.Segment, &segment) != nil {
		return 0, false, nil
	}
	segmentID, ok = model.ParseLooseInt(segment.ID)
	return segmentID, ok, nil
}

// UserSegments returns the segments a ledger user is responsible for.
// Entries that are not numeric are ignored.
func (c *Client) UserSegments(ctx context.Context, userID int64) ([]int64, error) {
	base, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	var body struct {
		Segments []json.RawMessage `json:"segmentos"`
	}
	if err := c.do(ctx, base, opGetUser, http.MethodGet, fmt.Sprintf("/usuarios/%d", userID), nil, &body); err != nil {
		return nil, err
	}

	segments := make([]int64, 0, len(body.Segments))
	for _, raw := range body.Segments {
		if id, ok := model.ParseLooseInt(raw); ok {
			segments = append(segments, id)
		}
	}
	return segments, nil
}

// PatchItemStatus changes the status of an existing ledger item.
func (c *Client) PatchItemStatus(ctx context.Context, base string, itemID int64, status string) error {
	payload := map[string]any{"status": status}
	return c.do(ctx, base, opPatchStatus, http.MethodPatch, fmt.Sprintf("/os/detalhe/%d/status", itemID), payload, nil)
}

// UpdateItem replaces quantity and bill of quantities of an existing ledger
// item, and its pricing unit when one is given.
func (c *Client) UpdateItem(ctx context.Context, base string, itemID int64, u ItemUpdate) error {
	payload := map[string]any{
		"quantidade": u.Quantity,
		"boq":        u.BOQ,
	}
	if u.PricingUnitID != nil {
		payload["lpu"] = map[string]any{"id": *u.PricingUnitID}
	}
	return c.do(ctx, base, opUpdateItem, http.MethodPut, fmt.Sprintf("/os/detalhe/%d", itemID), payload, nil)
}

// CreateItem creates a new line item on a work order.
func (c *Client) CreateItem(ctx context.Context, base string, item NewItem) error {
	var lpu any
	if item.PricingUnitID > 0 {
		lpu = map[string]any{"id": item.PricingUnitID}
	}
	recordStatus := item.RecordStatus
	if recordStatus == "" {
		recordStatus = model.DefaultRecordStatus
	}
	payload := map[string]any{
		"os":             map[string]any{"id": item.WorkOrderID},
		"lpu":            lpu,
		"quantidade":     item.Quantity,
		"boq":            item.BOQ,
		"statusRegistro": recordStatus,
	}
	return c.do(ctx, base, opCreateItem, http.MethodPost, "/os/detalhe", payload, nil)
}

// do performs one ledger operation. Reads are retried with backoff; writes
// are attempted once.
func (c *Client) do(ctx context.Context, base, op, method, path string, payload map[string]any, out any) (err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.call",
		observability.AttrLedgerCall.String(op),
		observability.AttrLedgerEndpoint.String(base),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ledger: marshal %s payload: %w", op, err)
		}
		observability.RequestLogger(ctx, c.logger).Debug("ledger request",
			zap.String("operation", op),
			zap.String("method", method),
			zap.String("path", path),
			observability.LedgerBody(payload),
		)
	}

	attempts := 1
	if method == http.MethodGet && c.retry.MaxAttempts > 1 {
		attempts = c.retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordLedgerRetry(op)
			select {
			case <-ctx.Done():
				return model.NewIntegrationFailureError(fmt.Sprintf("ledger %s cancelled", op), ctx.Err())
			case <-time.After(calculateBackoff(c.retry, attempt)):
			}
		}

		status, respBody, callErr := c.once(ctx, base, op, method, base+path, body)
		if callErr != nil {
			if errors.Is(callErr, errBreakerOpen) {
				return model.NewIntegrationUnavailableError(callErr)
			}
			lastErr = callErr
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if status < 200 || status > 299 {
			lastErr = &statusError{code: status, body: snippet(respBody)}
			if isRetryableStatus(status) {
				continue
			}
			break
		}

		if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return model.NewIntegrationFailureError(fmt.Sprintf("ledger %s returned an unreadable body", op), err)
			}
		}
		return nil
	}

	return model.NewIntegrationFailureError(fmt.Sprintf("ledger %s failed", op), lastErr)
}

// once performs a single HTTP exchange behind the endpoint's breaker.
func (c *Client) once(ctx context.Context, base, op, method, url string, body []byte) (int, []byte, error) {
	breaker := c.breakers.For(base)
	if err := breaker.Allow(); err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = buildHeaders(ctx, method)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		breaker.RecordFailure()
		c.metrics.RecordLedgerRequest(op, 0, time.Since(start))
		if isConnectionError(err) {
			return 0, nil, fmt.Errorf("connect to ledger: %w", err)
		}
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordLedgerRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		breaker.RecordFailure()
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		breaker.RecordFailure()
	case resp.StatusCode < 400:
		breaker.RecordSuccess()
	}
	return resp.StatusCode, respBody, nil
}

// statusError is a non-2xx answer from the ledger.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("ledger answered %d", e.code)
	}
	return fmt.Sprintf("ledger answered %d: %s", e.code, e.body)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// buildHeaders returns the headers sent with every ledger request.
func buildHeaders(ctx context.Context, method string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		h.Set("Content-Type", "application/json")
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.Authorization != "" {
			h.Set("Authorization", sanitizeHeader(rctx.Authorization))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
	}
	observability.InjectTraceHeaders(ctx, h)
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}
