// Package approval implements the two-stage approval workflow of
// complementary requests: coordinator review, then controller approval, which
// mirrors the request onto the ledger before it commits.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/internal/segment"
	"github.com/pitabwire/complement/internal/store"
	"github.com/pitabwire/complement/model"
)

const (
	defaultApprovalTimeout = 45 * time.Second

	// leaseGrace outlives the approval timeout so a lease never lapses while
	// its holder still talks to the ledger.
	leaseGrace = 5 * time.Second
)

// Operation names used in metrics, spans and logs.
const (
	OpCreate            = "create"
	OpCoordinatorAct    = "coordinator_act"
	OpCoordinatorReject = "coordinator_reject"
	OpControllerApprove = "controller_approve"
	OpControllerReturn  = "controller_return"
	OpReject            = "reject"
)

// Ledger mirrors an approved request onto the ledger.
type Ledger interface {
	// Apply performs the ledger mutations of req. It may be called again
	// for the same request after a failure.
	Apply(ctx context.Context, req model.Request) error

	// Complete releases bookkeeping once the approval has been committed.
	Complete(ctx context.Context, req model.Request) error
}

// SegmentResolver resolves the segment of a work order.
type SegmentResolver interface {
	SegmentOfWorkOrder(ctx context.Context, cache *segment.Cache, workOrderID int64) (int64, bool)
}

// Service performs request transitions. Transitions on one request id are
// serialized within the process and, through a lease in the store, across
// every instance sharing that store. Every commit is also checked against the
// stored version.
type Service struct {
	store           store.RequestStore
	segments        SegmentResolver
	ledger          Ledger
	validate        *validator.Validate
	locks           *keyedMutex
	approvalTimeout time.Duration
	metrics         *observability.Metrics
	logger          *zap.Logger
	now             func() time.Time
}

// NewService creates an approval service. approvalTimeout bounds the ledger
// work of a controller approval; zero selects 45s.
func NewService(
	st store.RequestStore,
	segments SegmentResolver,
	ledger Ledger,
	approvalTimeout time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	if approvalTimeout <= 0 {
		approvalTimeout = defaultApprovalTimeout
	}
	return &Service{
		store:           st,
		segments:        segments,
		ledger:          ledger,
		validate:        newValidator(),
		locks:           newKeyedMutex(),
		approvalTimeout: approvalTimeout,
		metrics:         metrics,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new request awaiting coordinator review. The work order's
// segment is resolved when the ledger answers; creation never fails for lack
// of it.
func (s *Service) Create(ctx context.Context, in CreateInput) (req model.Request, err error) {
	ctx, span := s.startSpan(ctx, OpCreate, 0)
	defer func() { s.finish(span, OpCreate, err) }()

	if err := validateStruct(s.validate, in); err != nil {
		return model.Request{}, err
	}

	req = model.Request{
		WorkOrderID:   in.WorkOrderID,
		PricingUnitID: in.PricingUnitID,
		RequesterID:   in.RequesterID,
		RequesterName: in.RequesterName,
		UnitPrice:     in.UnitPrice,
		Quantity:      in.Quantity,
		Justification: in.Justification,
		Status:        model.StatusPendingCoordinator,
		CreatedAt:     s.now(),
	}
	if segmentID, ok := s.segments.SegmentOfWorkOrder(ctx, nil, in.WorkOrderID); ok {
		req.SegmentID = &segmentID
	}

	req, err = s.store.Create(ctx, req)
	if err != nil {
		return model.Request{}, err
	}

	s.metrics.RecordRequestCreated()
	s.appendEvent(ctx, req, model.EventCreated, in.RequesterID, "", req.Status, "")
	observability.RequestLogger(ctx, s.logger).Info("request created",
		zap.Int64("request_id", req.ID),
		zap.Int64("work_order_id", req.WorkOrderID),
		zap.Bool("segment_resolved", req.SegmentID != nil),
	)
	return req, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id int64) (model.Request, error) {
	return s.store.Get(ctx, id)
}

// Events returns the audit trail of a request, oldest first.
func (s *Service) Events(ctx context.Context, id int64) ([]model.RequestEvent, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetEvents(ctx, id)
}

// CoordinatorAct records the coordinator's approved proposal and hands the
// request to the controller. It is allowed on pending and returned requests.
func (s *Service) CoordinatorAct(ctx context.Context, id int64, in CoordinatorInput) (req model.Request, err error) {
	ctx, span := s.startSpan(ctx, OpCoordinatorAct, id)
	defer func() { s.finish(span, OpCoordinatorAct, err) }()

	if err := validateStruct(s.validate, in); err != nil {
		return model.Request{}, err
	}
	if err := checkStagedEdits(in.StagedEdits); err != nil {
		return model.Request{}, err
	}

	release, err := s.acquire(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	defer release()

	req, err = s.store.Get(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	if req.Status != model.StatusPendingCoordinator && req.Status != model.StatusReturnedByController {
		return model.Request{}, invalidTransition(OpCoordinatorAct, req)
	}

	from := req.Status
	now := s.now()
	req.ApprovedPricingUnitID = in.PricingUnitID
	req.ApprovedQuantity = in.Quantity
	req.ApprovedBOQ = in.BOQ
	req.ApprovedRecordStatus = in.RecordStatus
	req.CoordinatorJustification = in.Justification
	if in.StagedEdits != nil {
		req.StagedEdits = *in.StagedEdits
	}
	req.CoordinatorID = &in.ApproverID
	req.CoordinatorActedAt = &now
	req.Status = model.StatusPendingController

	return s.commit(ctx, req, from, model.EventCoordinatorApproved, in.ApproverID, in.Justification)
}

// CoordinatorReject rejects a request awaiting coordinator review.
func (s *Service) CoordinatorReject(ctx context.Context, id, approverID int64, reason string) (req model.Request, err error) {
	ctx, span := s.startSpan(ctx, OpCoordinatorReject, id)
	defer func() { s.finish(span, OpCoordinatorReject, err) }()

	reason, err = requireReason(reason)
	if err != nil {
		return model.Request{}, err
	}

	release, err := s.acquire(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	defer release()

	req, err = s.store.Get(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	if req.Status != model.StatusPendingCoordinator {
		return model.Request{}, invalidTransition(OpCoordinatorReject, req)
	}

	from := req.Status
	now := s.now()
	req.CoordinatorID = &approverID
	req.CoordinatorActedAt = &now
	req.RejectionReason = reason
	req.Status = model.StatusRejected

	return s.commit(ctx, req, from, model.EventCoordinatorRejected, approverID, reason)
}

// ControllerApprove merges the controller's overrides, mirrors the request
// onto the ledger and marks it approved. A ledger failure leaves the request
// awaiting the controller.
//
// The ledger work runs detached from ctx cancellation, bounded by the
// approval timeout, so a caller that goes away cannot interrupt it halfway.
func (s *Service) ControllerApprove(ctx context.Context, id int64, in ControllerInput) (req model.Request, err error) {
	ctx, span := s.startSpan(ctx, OpControllerApprove, id)
	defer func() { s.finish(span, OpControllerApprove, err) }()

	if err := validateStruct(s.validate, in); err != nil {
		return model.Request{}, err
	}
	if err := checkStagedEdits(in.StagedEdits); err != nil {
		return model.Request{}, err
	}

	release, err := s.acquire(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	defer release()

	req, err = s.store.Get(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	if req.Status != model.StatusPendingController {
		return model.Request{}, invalidTransition(OpControllerApprove, req)
	}

	if in.PricingUnitID != nil {
		req.ApprovedPricingUnitID = in.PricingUnitID
	}
	if in.Quantity != nil {
		req.ApprovedQuantity = in.Quantity
	}
	if in.BOQ != nil {
		req.ApprovedBOQ = in.BOQ
	}
	if in.RecordStatus != nil {
		req.ApprovedRecordStatus = in.RecordStatus
	}
	if in.StagedEdits != nil {
		req.StagedEdits = *in.StagedEdits
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.approvalTimeout)
	defer cancel()

	logger := observability.RequestLogger(ctx, s.logger).With(zap.Int64("request_id", id))
	if err := s.ledger.Apply(ctx, req); err != nil {
		logger.Error("ledger mirroring failed, request stays with the controller",
			zap.String("code", model.CodeOf(err)),
			zap.Error(err),
		)
		return model.Request{}, err
	}

	from := req.Status
	now := s.now()
	req.ControllerID = &in.ApproverID
	req.ControllerActedAt = &now
	req.Status = model.StatusApproved

	committed, err := s.commit(ctx, req, from, model.EventControllerApproved, in.ApproverID, "")
	if err != nil {
		return model.Request{}, err
	}
	if err := s.ledger.Complete(ctx, committed); err != nil {
		logger.Warn("could not clear ledger replay journal", zap.Error(err))
	}
	return committed, nil
}

// ControllerReturn sends a request back to the coordinator with the
// controller's reason.
func (s *Service) ControllerReturn(ctx context.Context, id, approverID int64, reason string) (req model.Request, err error) {
	ctx, span := s.startSpan(ctx, OpControllerReturn, id)
	defer func() { s.finish(span, OpControllerReturn, err) }()

	reason, err = requireReason(reason)
	if err != nil {
		return model.Request{}, err
	}

	release, err := s.acquire(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	defer release()

	req, err = s.store.Get(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	if req.Status != model.StatusPendingController {
		return model.Request{}, invalidTransition(OpControllerReturn, req)
	}

	from := req.Status
	now := s.now()
	req.ControllerID = &approverID
	req.ControllerActedAt = &now
	req.ControllerJustification = reason
	req.Status = model.StatusReturnedByController

	return s.commit(ctx, req, from, model.EventControllerReturned, approverID, reason)
}

// Reject rejects a request in any non-terminal state without recording an
// approver.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (req model.Request, err error) {
	ctx, span := s.startSpan(ctx, OpReject, id)
	defer func() { s.finish(span, OpReject, err) }()

	reason, err = requireReason(reason)
	if err != nil {
		return model.Request{}, err
	}

	release, err := s.acquire(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	defer release()

	req, err = s.store.Get(ctx, id)
	if err != nil {
		return model.Request{}, err
	}
	if req.Status.Terminal() {
		return model.Request{}, invalidTransition(OpReject, req)
	}

	from := req.Status
	req.RejectionReason = reason
	req.Status = model.StatusRejected

	var actorID int64
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		actorID = rctx.UserID
	}
	return s.commit(ctx, req, from, model.EventRejected, actorID, reason)
}

// commit persists req and records the transition in its audit trail.
func (s *Service) commit(ctx context.Context, req model.Request, from model.Status, event string, actorID int64, comment string) (model.Request, error) {
	updated, err := s.store.Update(ctx, req)
	if err != nil {
		return model.Request{}, err
	}
	s.appendEvent(ctx, updated, event, actorID, from, updated.Status, comment)
	observability.RequestLogger(ctx, s.logger).Info("request transitioned",
		zap.Int64("request_id", updated.ID),
		zap.String("event", event),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
	)
	return updated, nil
}

// appendEvent records an audit event. A failure is logged; the transition
// it describes has already been committed.
func (s *Service) appendEvent(ctx context.Context, req model.Request, event string, actorID int64, from, to model.Status, comment string) {
	err := s.store.AppendEvent(ctx, model.RequestEvent{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		Event:      event,
		ActorID:    actorID,
		FromStatus: from,
		ToStatus:   to,
		Comment:    comment,
		Timestamp:  s.now(),
	})
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Error("failed to record request event",
			zap.Int64("request_id", req.ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (s *Service) startSpan(ctx context.Context, op string, id int64) (context.Context, trace.Span) {
	ctx, span := observability.StartSpan(ctx, "approval."+op,
		observability.AttrOperation.String(op),
	)
	if id != 0 {
		span.SetAttributes(observability.AttrRequestID.Int64(id))
	}
	return ctx, span
}

func (s *Service) finish(span trace.Span, op string, err error) {
	result := "ok"
	if err != nil {
		result = model.CodeOf(err)
		if result == "" {
			result = model.ErrInternalError
		}
	}
	s.metrics.RecordTransition(op, result)
	observability.EndSpanWithError(span, err)
}

func invalidTransition(op string, req model.Request) error {
	return model.NewInvalidTransitionError(
		fmt.Sprintf("%s is not allowed on request %d in status %s", op, req.ID, req.Status),
	)
}
