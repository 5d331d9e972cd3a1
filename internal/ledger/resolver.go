package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/config"
	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/model"
)

// EndpointResolver picks the ledger base URL to use for one operation.
type EndpointResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// ProbeResolver probes the configured candidates in order and returns the
// first one whose status endpoint answers 2xx. Candidates whose breaker is
// open are skipped without a probe.
type ProbeResolver struct {
	candidates []string
	probePath  string
	timeout    time.Duration
	client     *http.Client
	breakers   *Breakers
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewProbeResolver creates a resolver over cfg.Candidates.
func NewProbeResolver(cfg config.LedgerConfig, client *http.Client, breakers *Breakers, metrics *observability.Metrics, logger *zap.Logger) *ProbeResolver {
	probePath := cfg.ProbePath
	if probePath == "" {
		probePath = "/api/public/status"
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	candidates := make([]string, 0, len(cfg.Candidates))
	for _, c := range cfg.Candidates {
		candidates = append(candidates, strings.TrimRight(strings.TrimSpace(c), "/"))
	}
	return &ProbeResolver{
		candidates: candidates,
		probePath:  probePath,
		timeout:    timeout,
		client:     client,
		breakers:   breakers,
		metrics:    metrics,
		logger:     logger,
	}
}

// Resolve returns the first reachable candidate, or INTEGRATION_UNAVAILABLE
// when none answered.
func (r *ProbeResolver) Resolve(ctx context.Context) (base string, err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.resolve")
	defer func() { observability.EndSpanWithError(span, err) }()

	logger := observability.RequestLogger(ctx, r.logger)
	var errs []error
	for _, candidate := range r.candidates {
		breaker := r.breakers.For(candidate)
		if err := breaker.Allow(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", candidate, err))
			continue
		}

		probeErr := r.probe(ctx, candidate)
		r.metrics.RecordLedgerProbe(candidate, probeErr == nil)
		if probeErr == nil {
			breaker.RecordSuccess()
			span.SetAttributes(observability.AttrLedgerEndpoint.String(candidate))
			return candidate, nil
		}

		breaker.RecordFailure()
		logger.Warn("ledger candidate did not answer status probe",
			zap.String("endpoint", candidate),
			zap.Error(probeErr),
		)
		errs = append(errs, fmt.Errorf("%s: %w", candidate, probeErr))
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no ledger candidates configured"))
	}
	return "", model.NewIntegrationUnavailableError(errors.Join(errs...))
}

// HealthCheck reports whether any candidate is currently reachable.
func (r *ProbeResolver) HealthCheck(ctx context.Context) error {
	_, err := r.Resolve(ctx)
	return err
}

func (r *ProbeResolver) probe(ctx context.Context, base string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+r.probePath, nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	req.Header = buildHeaders(ctx, http.MethodGet)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status probe answered %d", resp.StatusCode)
	}
	return nil
}
