// Package store persists complementary requests and their audit trail.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/complement/model"
)

// RequestStore persists requests and events.
type RequestStore interface {
	// Create persists a new request, assigning its ID, its version and, when
	// zero, its creation time. The stored request is returned.
	Create(ctx context.Context, req model.Request) (model.Request, error)

	// Get retrieves a request by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id int64) (model.Request, error)

	// Update persists an updated request with optimistic locking. The version
	// must match the current stored version. Returns CONFLICT if the version
	// has changed. The stored request, with its new version, is returned.
	Update(ctx context.Context, req model.Request) (model.Request, error)

	// SetSegment records the segment of a request whose segment is still
	// unknown. It reports whether the value was written; an already known
	// segment is never overwritten.
	SetSegment(ctx context.Context, id, segmentID int64) (bool, error)

	// Claim takes the transition lease of a request for holder until the
	// given time. It reports false while a lease of another holder is still
	// running; holder may renew its own lease. Returns NOT_FOUND if the
	// request doesn't exist.
	Claim(ctx context.Context, id int64, holder string, until time.Time) (bool, error)

	// Release ends the lease of holder. A lease taken over by another holder
	// is left in place.
	Release(ctx context.Context, id int64, holder string) error

	// Find returns requests matching the filters, newest first.
	Find(ctx context.Context, filters RequestFilters) ([]model.Request, error)

	// AppendEvent adds an event to the request's audit trail.
	AppendEvent(ctx context.Context, event model.RequestEvent) error

	// GetEvents retrieves all events for a request, oldest first.
	GetEvents(ctx context.Context, requestID int64) ([]model.RequestEvent, error)
}

// RequestFilters are optional filters for listing requests. Zero values do not
// filter.
type RequestFilters struct {
	Statuses []model.Status
	// SegmentIDs restricts results to requests whose stored segment is one of
	// these ids. A non-nil empty slice matches nothing.
	SegmentIDs []int64
	// Unsegmented restricts results to requests with no stored segment.
	Unsegmented bool
	RequesterID int64
	Limit       int
}

func (f RequestFilters) matches(req model.Request) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, req.Status) {
		return false
	}
	if f.SegmentIDs != nil {
		if req.SegmentID == nil || !containsID(f.SegmentIDs, *req.SegmentID) {
			return false
		}
	}
	if f.Unsegmented && req.SegmentID != nil {
		return false
	}
	if f.RequesterID != 0 && req.RequesterID != f.RequesterID {
		return false
	}
	return true
}

func containsStatus(list []model.Status, s model.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsID(list []int64, id int64) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
