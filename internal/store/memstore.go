package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/complement/model"
)

// MemoryRequestStore is an in-memory RequestStore for tests and single-node
// deployments.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	nextID   int64
	requests map[int64]model.Request
	events   map[int64][]model.RequestEvent
	leases   map[int64]lease
	now      func() time.Time
}

type lease struct {
	holder string
	until  time.Time
}

// NewMemoryRequestStore creates a new in-memory request store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[int64]model.Request),
		events:   make(map[int64][]model.RequestEvent),
		leases:   make(map[int64]lease),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new request.
func (s *MemoryRequestStore) Create(_ context.Context, req model.Request) (model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	req.ID = s.nextID
	req.Version = 1
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}
	s.requests[req.ID] = req
	return req, nil
}

// Get retrieves a request by ID.
func (s *MemoryRequestStore) Get(_ context.Context, id int64) (model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[id]
	if !exists {
		return model.Request{}, notFound(id)
	}
	return req, nil
}

// Update persists an updated request with optimistic locking.
func (s *MemoryRequestStore) Update(_ context.Context, req model.Request) (model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.requests[req.ID]
	if !exists {
		return model.Request{}, notFound(req.ID)
	}

	if existing.Version != req.Version {
		return model.Request{}, model.NewConflictError(
			fmt.Sprintf("request %d version conflict (expected %d, got %d)", req.ID, req.Version, existing.Version),
		)
	}

	// Origin references and creation time are immutable.
	req.WorkOrderID = existing.WorkOrderID
	req.PricingUnitID = existing.PricingUnitID
	req.RequesterID = existing.RequesterID
	req.CreatedAt = existing.CreatedAt
	if req.SegmentID == nil {
		req.SegmentID = existing.SegmentID
	}

	req.Version++
	s.requests[req.ID] = req
	return req, nil
}

// SetSegment fills the segment of a request that has none yet. It does not
// bump the version, so it never races a concurrent transition.
func (s *MemoryRequestStore) SetSegment(_ context.Context, id, segmentID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.requests[id]
	if !exists {
		return false, notFound(id)
	}
	if req.SegmentID != nil {
		return false, nil
	}
	req.SegmentID = &segmentID
	s.requests[id] = req
	return true, nil
}

// Claim takes the transition lease of a request.
func (s *MemoryRequestStore) Claim(_ context.Context, id int64, holder string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[id]; !exists {
		return false, notFound(id)
	}
	if l, held := s.leases[id]; held && l.holder != holder && s.now().Before(l.until) {
		return false, nil
	}
	s.leases[id] = lease{holder: holder, until: until}
	return true, nil
}

// Release ends the lease of holder.
func (s *MemoryRequestStore) Release(_ context.Context, id int64, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.leases[id]; held && l.holder == holder {
		delete(s.leases, id)
	}
	return nil
}

// Find returns requests matching the filters, newest first.
func (s *MemoryRequestStore) Find(_ context.Context, filters RequestFilters) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Request{}
	for _, req := range s.requests {
		if filters.matches(req) {
			result = append(result, req)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// AppendEvent adds an event to the request's audit trail.
func (s *MemoryRequestStore) AppendEvent(_ context.Context, event model.RequestEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[event.RequestID]; !exists {
		return notFound(event.RequestID)
	}
	s.events[event.RequestID] = append(s.events[event.RequestID], event)
	return nil
}

// GetEvents retrieves all events for a request, ordered by timestamp.
func (s *MemoryRequestStore) GetEvents(_ context.Context, requestID int64) ([]model.RequestEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.requests[requestID]; !exists {
		return nil, notFound(requestID)
	}

	events := s.events[requestID]
	result := make([]model.RequestEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Len returns the total number of requests. For testing.
func (s *MemoryRequestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

func notFound(id int64) error {
	return model.NewNotFoundError(fmt.Sprintf("request %d not found", id))
}

// HealthCheck always succeeds.
func (s *MemoryRequestStore) HealthCheck(context.Context) error { return nil }
