// Package segment resolves the organizational segments of ledger users and
// work orders, and heals requests stored without one.
package segment

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/internal/store"
	"github.com/pitabwire/complement/model"
)

// Lookup is the ledger surface the resolver reads from.
type Lookup interface {
	WorkOrderSegment(ctx context.Context, workOrderID int64) (int64, bool, error)
	UserSegments(ctx context.Context, userID int64) ([]int64, error)
}

// Set is a set of segment ids.
type Set map[int64]struct{}

// NewSet builds a Set from ids.
func NewSet(ids ...int64) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set.
func (s Set) Contains(id int64) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the members in ascending order.
func (s Set) IDs() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Cache memoizes work-order segment lookups for the duration of one listing.
// It is not safe for concurrent use and must not outlive the call that
// created it.
type Cache struct {
	entries map[int64]cacheEntry
}

type cacheEntry struct {
	segmentID int64
	ok        bool
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[int64]cacheEntry)}
}

// Len returns the number of cached work orders.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Resolver answers segment questions from the ledger.
type Resolver struct {
	ledger  Lookup
	store   store.RequestStore
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewResolver creates a resolver that backfills through st.
func NewResolver(ledger Lookup, st store.RequestStore, metrics *observability.Metrics, logger *zap.Logger) *Resolver {
	return &Resolver{ledger: ledger, store: st, metrics: metrics, logger: logger}
}

// SegmentsOfUser returns the segments userID is responsible for. Any failure
// yields an empty set.
func (r *Resolver) SegmentsOfUser(ctx context.Context, userID int64) Set {
	ids, err := r.ledger.UserSegments(ctx, userID)
	if err != nil {
		observability.RequestLogger(ctx, r.logger).Warn("could not resolve user segments",
			zap.Int64("ledger_user_id", userID),
			zap.Error(err),
		)
		return Set{}
	}
	return NewSet(ids...)
}

// SegmentOfWorkOrder returns the segment of a work order. ok is false when the
// ledger has none or could not be asked. cache may be nil.
func (r *Resolver) SegmentOfWorkOrder(ctx context.Context, cache *Cache, workOrderID int64) (int64, bool) {
	if cache != nil {
		if e, hit := cache.entries[workOrderID]; hit {
			r.metrics.RecordSegmentCacheHit()
			return e.segmentID, e.ok
		}
		r.metrics.RecordSegmentCacheMiss()
	}

	segmentID, ok, err := r.ledger.WorkOrderSegment(ctx, workOrderID)
	if err != nil {
		observability.RequestLogger(ctx, r.logger).Warn("could not resolve work order segment",
			zap.Int64("work_order_id", workOrderID),
			zap.Error(err),
		)
		segmentID, ok = 0, false
	}

	if cache != nil {
		cache.entries[workOrderID] = cacheEntry{segmentID: segmentID, ok: ok}
	}
	return segmentID, ok
}

// Backfill returns the segment of req. A request stored without one gets the
// resolved segment written back and an audit event appended.
func (r *Resolver) Backfill(ctx context.Context, cache *Cache, req model.Request) (int64, bool) {
	if req.SegmentID != nil {
		return *req.SegmentID, true
	}

	segmentID, ok := r.SegmentOfWorkOrder(ctx, cache, req.WorkOrderID)
	if !ok {
		return 0, false
	}

	logger := observability.RequestLogger(ctx, r.logger).With(
		zap.Int64("request_id", req.ID),
		zap.Int64("segment_id", segmentID),
	)
	written, err := r.store.SetSegment(ctx, req.ID, segmentID)
	if err != nil {
		logger.Warn("could not backfill request segment", zap.Error(err))
		return segmentID, true
	}
	if !written {
		return segmentID, true
	}

	r.metrics.RecordSegmentBackfill()
	logger.Info("backfilled request segment")

	event := model.RequestEvent{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Event:      model.EventSegmentBackfilled,
		FromStatus: req.Status,
		ToStatus:   req.Status,
		Timestamp:  time.Now().UTC(),
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		logger.Warn("could not record segment backfill event", zap.Error(err))
	}
	return segmentID, true
}
