package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/model"
)

// Gateway mirrors an approved request onto the ledger. It first replays the
// staged edits against existing items and then creates the new item. Each
// mutation is recorded in the journal, so a retried approval resumes where a
// failed one stopped.
type Gateway struct {
	client  *Client
	journal Journal
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewGateway creates a gateway. journal must not be nil.
func NewGateway(client *Client, journal Journal, metrics *observability.Metrics, logger *zap.Logger) *Gateway {
	return &Gateway{client: client, journal: journal, metrics: metrics, logger: logger}
}

// Apply performs every ledger mutation of req that is not already recorded
// in the journal. Any error aborts the remaining mutations.
func (g *Gateway) Apply(ctx context.Context, req model.Request) (err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.apply",
		observability.AttrRequestID.Int64(req.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	edits, err := model.ParseStagedEdits(req.StagedEdits)
	if err != nil {
		return err
	}

	base, err := g.client.Resolve(ctx)
	if err != nil {
		return err
	}

	logger := observability.RequestLogger(ctx, g.logger).With(
		zap.Int64("request_id", req.ID),
		zap.String("ledger_endpoint", base),
	)
	scope := ScopeKey(req.ID, req.StagedEdits)

	for i, edit := range edits {
		if edit.ItemID == nil {
			logger.Warn("skipping staged edit without item id", zap.Int("index", i))
			continue
		}
		itemID := *edit.ItemID

		if edit.HasStatusChange() {
			err := g.step(ctx, scope, fmt.Sprintf("%d:status", i), func() error {
				return g.client.PatchItemStatus(ctx, base, itemID, *edit.NewStatus)
			})
			if err != nil {
				return err
			}
			logger.Info("ledger item status changed",
				zap.Int64("item_id", itemID),
				zap.String("status", *edit.NewStatus),
			)
		}

		if edit.HasValueUpdate() {
			update := ItemUpdate{
				Quantity:      *edit.NewQuantity,
				PricingUnitID: edit.NewPricingUnitID,
			}
			if edit.NewBOQ != nil {
				update.BOQ = *edit.NewBOQ
			}
			err := g.step(ctx, scope, fmt.Sprintf("%d:update", i), func() error {
				return g.client.UpdateItem(ctx, base, itemID, update)
			})
			if err != nil {
				return err
			}
			logger.Info("ledger item updated",
				zap.Int64("item_id", itemID),
				zap.Int64("quantity", update.Quantity),
			)
		}
	}

	item := NewItem{
		WorkOrderID:   req.WorkOrderID,
		PricingUnitID: req.EffectivePricingUnitID(),
		Quantity:      req.EffectiveQuantity(),
		BOQ:           req.EffectiveBOQ(),
		RecordStatus:  req.EffectiveRecordStatus(),
	}
	if err := g.step(ctx, scope, createStep(item), func() error {
		return g.client.CreateItem(ctx, base, item)
	}); err != nil {
		return err
	}
	logger.Info("ledger item created",
		zap.Int64("work_order_id", item.WorkOrderID),
		zap.Int64("pricing_unit_id", item.PricingUnitID),
		zap.Int("quantity", item.Quantity),
	)
	return nil
}

// Complete forgets the journal entries of req once its approval is committed.
func (g *Gateway) Complete(ctx context.Context, req model.Request) error {
	return g.journal.Clear(ctx, ScopeKey(req.ID, req.StagedEdits))
}

// step runs call unless the journal says it already ran, then records it.
func (g *Gateway) step(ctx context.Context, scope, name string, call func() error) error {
	done, err := g.journal.Applied(ctx, scope, name)
	if err != nil {
		return fmt.Errorf("ledger: read replay journal: %w", err)
	}
	if done {
		g.metrics.RecordLedgerReplaySkip()
		observability.RequestLogger(ctx, g.logger).Debug("ledger step already applied",
			zap.String("scope", scope),
			zap.String("step", name),
		)
		return nil
	}

	if err := call(); err != nil {
		return err
	}

	if err := g.journal.MarkApplied(ctx, scope, name); err != nil {
		observability.RequestLogger(ctx, g.logger).Error("failed to record applied ledger step",
			zap.String("scope", scope),
			zap.String("step", name),
			zap.Error(err),
		)
	}
	return nil
}

// createStep names the creation step after the values it sends, so a retry
// carrying different approved values creates the item afresh.
func createStep(item NewItem) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%d|%d|%s|%s",
		item.WorkOrderID, item.PricingUnitID, item.Quantity, item.BOQ, item.RecordStatus))
	return "create:" + hex.EncodeToString(sum[:8])
}
