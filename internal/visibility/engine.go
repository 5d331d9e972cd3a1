// Package visibility decides which requests a caller may list, based on the
// caller's role and, for coordinators, their segments.
package visibility

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/internal/segment"
	"github.com/pitabwire/complement/internal/store"
	"github.com/pitabwire/complement/model"
)

// DefaultHistoryLimit bounds history listings for privileged roles.
const DefaultHistoryLimit = 300

var (
	adminPending       = []model.Status{model.StatusPendingCoordinator, model.StatusPendingController, model.StatusReturnedByController}
	controllerPending  = []model.Status{model.StatusPendingController}
	coordinatorPending = []model.Status{model.StatusPendingCoordinator, model.StatusReturnedByController}
)

// Engine lists requests on behalf of a caller.
type Engine struct {
	store        store.RequestStore
	segments     *segment.Resolver
	historyLimit int
	logger       *zap.Logger
}

// NewEngine creates an engine. historyLimit below 1 falls back to
// DefaultHistoryLimit.
func NewEngine(st store.RequestStore, segments *segment.Resolver, historyLimit int, logger *zap.Logger) *Engine {
	if historyLimit < 1 {
		historyLimit = DefaultHistoryLimit
	}
	return &Engine{store: st, segments: segments, historyLimit: historyLimit, logger: logger}
}

// ListPending returns the requests awaiting action that role may see.
func (e *Engine) ListPending(ctx context.Context, role model.Role, userID int64) (reqs []model.Request, err error) {
	ctx, span := observability.StartSpan(ctx, "visibility.pending",
		observability.AttrRole.String(role.String()),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	switch role {
	case model.RoleAdmin:
		return e.store.Find(ctx, store.RequestFilters{Statuses: adminPending})
	case model.RoleController:
		return e.store.Find(ctx, store.RequestFilters{Statuses: controllerPending})
	case model.RoleCoordinator:
		return e.coordinatorPending(ctx, userID)
	case model.RoleRequester:
		return e.ListByRequester(ctx, userID)
	}
	return []model.Request{}, nil
}

// ListHistory returns the requests of every status that role may see. Admin,
// controller and coordinator listings hold at most the configured limit of
// most recent requests.
func (e *Engine) ListHistory(ctx context.Context, role model.Role, userID int64) (reqs []model.Request, err error) {
	ctx, span := observability.StartSpan(ctx, "visibility.history",
		observability.AttrRole.String(role.String()),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	switch role {
	case model.RoleAdmin, model.RoleController:
		return e.store.Find(ctx, store.RequestFilters{Limit: e.historyLimit})
	case model.RoleCoordinator:
		return e.coordinatorHistory(ctx, userID)
	case model.RoleRequester:
		return e.ListByRequester(ctx, userID)
	}
	return []model.Request{}, nil
}

// ListByRequester returns every request submitted by requesterID.
func (e *Engine) ListByRequester(ctx context.Context, requesterID int64) ([]model.Request, error) {
	return e.store.Find(ctx, store.RequestFilters{RequesterID: requesterID})
}

func (e *Engine) coordinatorPending(ctx context.Context, userID int64) ([]model.Request, error) {
	segments := e.segments.SegmentsOfUser(ctx, userID)
	if len(segments) == 0 {
		observability.RequestLogger(ctx, e.logger).Warn("coordinator has no segments",
			zap.Int64("ledger_user_id", userID),
		)
		return []model.Request{}, nil
	}

	candidates, err := e.store.Find(ctx, store.RequestFilters{Statuses: coordinatorPending})
	if err != nil {
		return nil, err
	}
	return e.withinSegments(ctx, segment.NewCache(), candidates, segments), nil
}

func (e *Engine) coordinatorHistory(ctx context.Context, userID int64) ([]model.Request, error) {
	segments := e.segments.SegmentsOfUser(ctx, userID)
	if len(segments) == 0 {
		return []model.Request{}, nil
	}

	segmented, err := e.store.Find(ctx, store.RequestFilters{
		SegmentIDs: segments.IDs(),
		Limit:      e.historyLimit,
	})
	if err != nil {
		return nil, err
	}
	// Only the newest unsegmented requests can reach the bounded result, so
	// older ones are never looked up.
	unsegmented, err := e.store.Find(ctx, store.RequestFilters{
		Unsegmented: true,
		Limit:       e.historyLimit,
	})
	if err != nil {
		return nil, err
	}

	merged := append(segmented, e.withinSegments(ctx, segment.NewCache(), unsegmented, segments)...)
	slices.SortStableFunc(merged, newestFirst)
	if len(merged) > e.historyLimit {
		merged = merged[:e.historyLimit]
	}
	return merged, nil
}

// withinSegments keeps the requests whose segment, stored or resolved, is in
// segments. Resolved segments are written back onto the stored requests.
func (e *Engine) withinSegments(ctx context.Context, cache *segment.Cache, reqs []model.Request, segments segment.Set) []model.Request {
	out := make([]model.Request, 0, len(reqs))
	for _, req := range reqs {
		segmentID, ok := e.segments.Backfill(ctx, cache, req)
		if !ok || !segments.Contains(segmentID) {
			continue
		}
		if req.SegmentID == nil {
			req.SegmentID = &segmentID
		}
		out = append(out, req)
	}
	return out
}

func newestFirst(a, b model.Request) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}
