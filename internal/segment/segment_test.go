package segment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/internal/store"
	"github.com/pitabwire/complement/model"
)

// fakeLookup serves canned segments and counts work order lookups.
type fakeLookup struct {
	mu         sync.Mutex
	workOrders map[int64]int64
	users      map[int64][]int64
	err        error
	orderCalls map[int64]int
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		workOrders: make(map[int64]int64),
		users:      make(map[int64][]int64),
		orderCalls: make(map[int64]int),
	}
}

func (f *fakeLookup) WorkOrderSegment(_ context.Context, id int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls[id]++
	if f.err != nil {
		return 0, false, f.err
	}
	seg, ok := f.workOrders[id]
	return seg, ok, nil
}

func (f *fakeLookup) UserSegments(_ context.Context, id int64) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

func newTestResolver(t *testing.T, lookup *fakeLookup) (*Resolver, *store.MemoryRequestStore, *observability.Metrics) {
	t.Helper()
	st := store.NewMemoryRequestStore()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return NewResolver(lookup, st, metrics, zap.NewNop()), st, metrics
}

func TestSet(t *testing.T) {
	s := NewSet(3, 1, 3)
	if len(s) != 2 {
		t.Errorf("len = %d, want 2", len(s))
	}
	if !s.Contains(1) || s.Contains(2) {
		t.Errorf("Contains mismatch for %v", s)
	}
	ids := s.IDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("IDs() = %v, want [1 3]", ids)
	}
}

func TestResolver_SegmentsOfUser(t *testing.T) {
	lookup := newFakeLookup()
	lookup.users[5] = []int64{1, 2}
	r, _, _ := newTestResolver(t, lookup)

	got := r.SegmentsOfUser(context.Background(), 5)
	if !got.Contains(1) || !got.Contains(2) || len(got) != 2 {
		t.Errorf("SegmentsOfUser() = %v, want {1, 2}", got)
	}
	if got := r.SegmentsOfUser(context.Background(), 6); len(got) != 0 {
		t.Errorf("SegmentsOfUser(unknown) = %v, want empty", got)
	}
}

func TestResolver_SegmentsOfUser_failsClosed(t *testing.T) {
	lookup := newFakeLookup()
	lookup.users[5] = []int64{1}
	lookup.err = model.NewIntegrationUnavailableError(errors.New("down"))
	r, _, _ := newTestResolver(t, lookup)

	got := r.SegmentsOfUser(context.Background(), 5)
	if got == nil || len(got) != 0 {
		t.Errorf("SegmentsOfUser() = %v, want empty non-nil set", got)
	}
}

func TestResolver_SegmentOfWorkOrder_cache(t *testing.T) {
	lookup := newFakeLookup()
	lookup.workOrders[100] = 2
	r, _, metrics := newTestResolver(t, lookup)
	cache := NewCache()

	for i := 0; i < 3; i++ {
		seg, ok := r.SegmentOfWorkOrder(context.Background(), cache, 100)
		if !ok || seg != 2 {
			t.Fatalf("SegmentOfWorkOrder() = (%d, %v), want (2, true)", seg, ok)
		}
	}
	if _, ok := r.SegmentOfWorkOrder(context.Background(), cache, 200); ok {
		t.Error("SegmentOfWorkOrder(200) ok = true, want false")
	}
	r.SegmentOfWorkOrder(context.Background(), cache, 200)

	if lookup.orderCalls[100] != 1 || lookup.orderCalls[200] != 1 {
		t.Errorf("ledger calls = %v, want one per work order", lookup.orderCalls)
	}
	if cache.Len() != 2 {
		t.Errorf("cache.Len() = %d, want 2", cache.Len())
	}
	if got := testutil.ToFloat64(metrics.SegmentCacheHitsTotal); got != 3 {
		t.Errorf("cache hits = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.SegmentCacheMissesTotal); got != 2 {
		t.Errorf("cache misses = %v, want 2", got)
	}
}

func TestResolver_SegmentOfWorkOrder_noCache(t *testing.T) {
	lookup := newFakeLookup()
	lookup.workOrders[100] = 2
	r, _, _ := newTestResolver(t, lookup)

	r.SegmentOfWorkOrder(context.Background(), nil, 100)
	r.SegmentOfWorkOrder(context.Background(), nil, 100)
	if lookup.orderCalls[100] != 2 {
		t.Errorf("ledger calls = %d, want 2 without cache", lookup.orderCalls[100])
	}
}

func TestResolver_SegmentOfWorkOrder_failure(t *testing.T) {
	lookup := newFakeLookup()
	lookup.err = model.NewIntegrationFailureError("ledger get_work_order failed", errors.New("500"))
	r, _, _ := newTestResolver(t, lookup)

	if seg, ok := r.SegmentOfWorkOrder(context.Background(), NewCache(), 100); ok || seg != 0 {
		t.Errorf("SegmentOfWorkOrder() = (%d, %v), want (0, false)", seg, ok)
	}
}

func TestResolver_Backfill_writesMissingSegment(t *testing.T) {
	lookup := newFakeLookup()
	lookup.workOrders[100] = 2
	r, st, metrics := newTestResolver(t, lookup)
	ctx := context.Background()

	req, err := st.Create(ctx, model.Request{WorkOrderID: 100, PricingUnitID: 1, RequesterID: 3, Quantity: 1, Status: model.StatusPendingCoordinator})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	seg, ok := r.Backfill(ctx, NewCache(), req)
	if !ok || seg != 2 {
		t.Fatalf("Backfill() = (%d, %v), want (2, true)", seg, ok)
	}

	stored, _ := st.Get(ctx, req.ID)
	if stored.SegmentID == nil || *stored.SegmentID != 2 {
		t.Errorf("stored segment = %v, want 2", stored.SegmentID)
	}
	events, _ := st.GetEvents(ctx, req.ID)
	if len(events) != 1 || events[0].Event != model.EventSegmentBackfilled {
		t.Errorf("events = %+v, want one segment_backfilled", events)
	}
	if got := testutil.ToFloat64(metrics.SegmentBackfillsTotal); got != 1 {
		t.Errorf("backfills = %v, want 1", got)
	}
}

func TestResolver_Backfill_keepsStoredSegment(t *testing.T) {
	lookup := newFakeLookup()
	lookup.workOrders[100] = 9
	r, st, _ := newTestResolver(t, lookup)
	ctx := context.Background()
	seg := int64(2)

	req, _ := st.Create(ctx, model.Request{WorkOrderID: 100, SegmentID: &seg, Status: model.StatusPendingCoordinator})

	got, ok := r.Backfill(ctx, NewCache(), req)
	if !ok || got != 2 {
		t.Errorf("Backfill() = (%d, %v), want stored (2, true)", got, ok)
	}
	if lookup.orderCalls[100] != 0 {
		t.Error("ledger consulted for a request with a stored segment")
	}
}

func TestResolver_Backfill_unresolvable(t *testing.T) {
	lookup := newFakeLookup()
	r, st, _ := newTestResolver(t, lookup)
	ctx := context.Background()

	req, _ := st.Create(ctx, model.Request{WorkOrderID: 100, Status: model.StatusPendingCoordinator})

	if _, ok := r.Backfill(ctx, NewCache(), req); ok {
		t.Error("Backfill() ok = true, want false")
	}
	stored, _ := st.Get(ctx, req.ID)
	if stored.SegmentID != nil {
		t.Errorf("stored segment = %d, want nil", *stored.SegmentID)
	}
	if events, _ := st.GetEvents(ctx, req.ID); len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestResolver_Backfill_raceKeepsFirstWriter(t *testing.T) {
	lookup := newFakeLookup()
	lookup.workOrders[100] = 2
	r, st, _ := newTestResolver(t, lookup)
	ctx := context.Background()

	req, _ := st.Create(ctx, model.Request{WorkOrderID: 100, Status: model.StatusPendingCoordinator})
	if _, err := st.SetSegment(ctx, req.ID, 7); err != nil {
		t.Fatalf("SetSegment() error = %v", err)
	}

	// req is a stale copy still carrying a nil segment.
	if seg, ok := r.Backfill(ctx, nil, req); !ok || seg != 2 {
		t.Errorf("Backfill() = (%d, %v), want (2, true)", seg, ok)
	}
	stored, _ := st.Get(ctx, req.ID)
	if *stored.SegmentID != 7 {
		t.Errorf("stored segment = %d, want first writer 7", *stored.SegmentID)
	}
	if events, _ := st.GetEvents(ctx, req.ID); len(events) != 0 {
		t.Errorf("events = %d, want 0 when nothing was written", len(events))
	}
}
