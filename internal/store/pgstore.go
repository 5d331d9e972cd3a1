package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/complement/model"
)

//go:embed schema.sql
var schemaSQL string

const requestColumns = `id, work_order_id, pricing_unit_id, requester_id,
	requester_name, unit_price::text, segment_id, quantity, justification,
	approved_pricing_unit_id, approved_quantity, approved_boq, approved_record_status,
	staged_edits, coordinator_justification, status, created_at,
	coordinator_id, coordinator_acted_at, controller_id, controller_acted_at,
	rejection_reason, controller_justification, version`

// PgRequestStore is a PostgreSQL-backed RequestStore using pgx/v5.
type PgRequestStore struct {
	pool *pgxpool.Pool
}

// NewPgRequestStore creates a new PostgreSQL request store.
func NewPgRequestStore(pool *pgxpool.Pool) *PgRequestStore {
	return &PgRequestStore{pool: pool}
}

// Migrate creates the request and event tables if they do not exist.
func (s *PgRequestStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate request store: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgRequestStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new request.
func (s *PgRequestStore) Create(ctx context.Context, req model.Request) (model.Request, error) {
	req.Version = 1
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO complementary_requests (
			work_order_id, pricing_unit_id, requester_id,
			requester_name, unit_price, segment_id, quantity, justification,
			status, created_at, version
		) VALUES (
			$1, $2, $3,
			$4, $5::numeric, $6, $7, $8,
			$9, $10, $11
		)
		RETURNING id`,
		req.WorkOrderID, req.PricingUnitID, req.RequesterID,
		req.RequesterName, req.UnitPrice.String(), req.SegmentID, req.Quantity, req.Justification,
		req.Status, req.CreatedAt, req.Version,
	).Scan(&req.ID)
	if err != nil {
		return model.Request{}, fmt.Errorf("insert request: %w", err)
	}
	return req, nil
}

// Get retrieves a request by ID.
func (s *PgRequestStore) Get(ctx context.Context, id int64) (model.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM complementary_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Request{}, notFound(id)
	}
	if err != nil {
		return model.Request{}, fmt.Errorf("query request: %w", err)
	}
	return req, nil
}

// Update persists an updated request with optimistic locking. Origin
// references and creation time are never written.
func (s *PgRequestStore) Update(ctx context.Context, req model.Request) (model.Request, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE complementary_requests SET
			segment_id = COALESCE($1, segment_id),
			approved_pricing_unit_id = $2,
			approved_quantity = $3,
			approved_boq = $4,
			approved_record_status = $5,
			staged_edits = $6,
			coordinator_justification = $7,
			status = $8,
			coordinator_id = $9,
			coordinator_acted_at = $10,
			controller_id = $11,
			controller_acted_at = $12,
			rejection_reason = $13,
			controller_justification = $14,
			version = $15
		WHERE id = $16 AND version = $17`,
		req.SegmentID,
		req.ApprovedPricingUnitID, req.ApprovedQuantity, req.ApprovedBOQ, req.ApprovedRecordStatus,
		req.StagedEdits, req.CoordinatorJustification,
		req.Status,
		req.CoordinatorID, req.CoordinatorActedAt, req.ControllerID, req.ControllerActedAt,
		req.RejectionReason, req.ControllerJustification,
		req.Version+1,
		req.ID, req.Version,
	)
	if err != nil {
		return model.Request{}, fmt.Errorf("update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, req.ID); getErr != nil {
			return model.Request{}, getErr
		}
		return model.Request{}, model.NewConflictError(
			fmt.Sprintf("request %d version conflict (expected %d)", req.ID, req.Version),
		)
	}
	return s.Get(ctx, req.ID)
}

// SetSegment fills the segment of a request that has none yet.
func (s *PgRequestStore) SetSegment(ctx context.Context, id, segmentID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE complementary_requests SET segment_id = $1
		WHERE id = $2 AND segment_id IS NULL`,
		segmentID, id,
	)
	if err != nil {
		return false, fmt.Errorf("set request segment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Claim takes the transition lease of a request. An expired lease of another
// holder is taken over.
func (s *PgRequestStore) Claim(ctx context.Context, id int64, holder string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE complementary_requests SET claim_holder = $1, claim_until = $2
		WHERE id = $3
		  AND (claim_holder IS NULL OR claim_holder = $1 OR claim_until < now())`,
		holder, until, id,
	)
	if err != nil {
		return false, fmt.Errorf("claim request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Release ends the lease of holder.
func (s *PgRequestStore) Release(ctx context.Context, id int64, holder string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE complementary_requests SET claim_holder = NULL, claim_until = NULL
		WHERE id = $1 AND claim_holder = $2`,
		id, holder,
	)
	if err != nil {
		return fmt.Errorf("release request: %w", err)
	}
	return nil
}

// Find returns requests matching the filters, newest first.
func (s *PgRequestStore) Find(ctx context.Context, filters RequestFilters) ([]model.Request, error) {
	if filters.SegmentIDs != nil && len(filters.SegmentIDs) == 0 {
		return []model.Request{}, nil
	}

	var where []string
	var args []any
	argIdx := 1

	if len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, st := range filters.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statuses)
		argIdx++
	}
	if filters.SegmentIDs != nil {
		where = append(where, fmt.Sprintf("segment_id = ANY($%d)", argIdx))
		args = append(args, filters.SegmentIDs)
		argIdx++
	}
	if filters.Unsegmented {
		where = append(where, "segment_id IS NULL")
	}
	if filters.RequesterID != 0 {
		where = append(where, fmt.Sprintf("requester_id = $%d", argIdx))
		args = append(args, filters.RequesterID)
		argIdx++
	}

	query := `SELECT ` + requestColumns + ` FROM complementary_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	result := []model.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

// AppendEvent adds an event to the request's audit trail.
func (s *PgRequestStore) AppendEvent(ctx context.Context, event model.RequestEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO complementary_request_events (
			id, request_id, event, actor_id, from_status, to_status, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.RequestID, event.Event, event.ActorID,
		event.FromStatus, event.ToStatus, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert request event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for a request.
func (s *PgRequestStore) GetEvents(ctx context.Context, requestID int64) ([]model.RequestEvent, error) {
	if _, err := s.Get(ctx, requestID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, request_id, event, actor_id, from_status, to_status, comment, created_at
		FROM complementary_request_events
		WHERE request_id = $1
		ORDER BY created_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query request events: %w", err)
	}
	defer rows.Close()

	events := []model.RequestEvent{}
	for rows.Next() {
		var evt model.RequestEvent
		if err := rows.Scan(
			&evt.ID, &evt.RequestID, &evt.Event, &evt.ActorID,
			&evt.FromStatus, &evt.ToStatus, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan request event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func scanRequest(row pgx.Row) (model.Request, error) {
	var req model.Request
	var unitPrice string
	err := row.Scan(
		&req.ID, &req.WorkOrderID, &req.PricingUnitID, &req.RequesterID,
		&req.RequesterName, &unitPrice, &req.SegmentID, &req.Quantity, &req.Justification,
		&req.ApprovedPricingUnitID, &req.ApprovedQuantity, &req.ApprovedBOQ, &req.ApprovedRecordStatus,
		&req.StagedEdits, &req.CoordinatorJustification, &req.Status, &req.CreatedAt,
		&req.CoordinatorID, &req.CoordinatorActedAt, &req.ControllerID, &req.ControllerActedAt,
		&req.RejectionReason, &req.ControllerJustification, &req.Version,
	)
	if err != nil {
		return model.Request{}, err
	}
	req.UnitPrice, err = decimal.NewFromString(unitPrice)
	if err != nil {
		return model.Request{}, fmt.Errorf("parse unit price %q: %w", unitPrice, err)
	}
	return req, nil
}
