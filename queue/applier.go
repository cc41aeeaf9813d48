package queue

import (
	"context"
	"errors"
	"fmt"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/trackware/custodyd/ledger"
	"github.com/trackware/custodyd/metrics"
	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/repository/models"
)

// Store is the durable-store surface the applier replays against.
type Store interface {
	CreateItem(ctx context.Context, item *models.Item) error
	UpdateItemFields(ctx context.Context, itemID string, patch repository.ItemPatch) error
	CreateShipment(ctx context.Context, shipment *models.Shipment) error
	UpdateShipmentFields(ctx context.Context, shipmentID string, patch repository.ShipmentPatch) error
	SaveReading(ctx context.Context, reading *models.TelemetryReading) error
	Thresholds(ctx context.Context, itemID string) ([]models.ThresholdConfig, error)
	SaveAlert(ctx context.Context, alert *models.Alert) error
}

// Applier applies one replayed operation against the gateways.
type Applier interface {
	Apply(ctx context.Context, op *Operation) error
}

// GatewayApplier routes each operation kind to the store and, for telemetry,
// forwards to the ledger best-effort after the store write succeeds.
type GatewayApplier struct {
	store  Store
	ledger ledger.Gateway
	logger cmtlog.Logger
}

func NewGatewayApplier(store Store, lg ledger.Gateway, logger cmtlog.Logger) *GatewayApplier {
	return &GatewayApplier{store: store, ledger: lg, logger: logger}
}

func (a *GatewayApplier) Apply(ctx context.Context, op *Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	switch op.Kind {
	case KindCreateItem:
		item := op.CreateItem.Item
		return a.store.CreateItem(ctx, &item)
	case KindUpdateItem:
		return a.store.UpdateItemFields(ctx, op.UpdateItem.ItemID, op.UpdateItem.Patch)
	case KindCreateShipment:
		shipment := op.CreateShipment.Shipment
		return a.store.CreateShipment(ctx, &shipment)
	case KindUpdateShipment:
		return a.store.UpdateShipmentFields(ctx, op.UpdateShipment.ShipmentID, op.UpdateShipment.Patch)
	case KindRecordTelemetry:
		reading := op.RecordTelemetry.Reading
		if err := a.store.SaveReading(ctx, &reading); err != nil {
			return err
		}
		// Store-first, ledger-best-effort: a ledger failure here must not
		// push the reading back into the queue.
		objectID := op.RecordTelemetry.LedgerObjectID
		if objectID != "" {
			if _, err := a.ledger.RecordEvent(ctx, objectID, ledger.EventTelemetry, reading); err != nil {
				a.logger.Error("Ledger telemetry forward failed during replay",
					"op", op.ID, "item", reading.ItemID, "err", err)
			}
		}
		a.raiseAlerts(ctx, reading, objectID)
		return nil
	default:
		return fmt.Errorf("operation %s: unknown kind %q", op.ID, op.Kind)
	}
}

// raiseAlerts runs the threshold evaluation that was deferred when the
// reading was accepted on the pending path. The reading is already stored,
// so failures here are logged rather than pushed back into the queue.
func (a *GatewayApplier) raiseAlerts(ctx context.Context, reading models.TelemetryReading, objectID string) {
	configs, err := a.store.Thresholds(ctx, reading.ItemID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			a.logger.Error("Threshold lookup failed during replay", "item", reading.ItemID, "err", err)
		}
		return
	}

	alerts := models.EvaluateThresholds(reading, configs)
	for i := range alerts {
		alert := &alerts[i]
		if err := a.store.SaveAlert(ctx, alert); err != nil {
			a.logger.Error("Alert persist failed during replay", "alert", alert.ID, "err", err)
			continue
		}
		metrics.AlertsTotal.WithLabelValues(alert.Kind).Inc()
		a.logger.Info("Threshold alert raised on replay",
			"alert", alert.ID, "item", alert.ItemID, "kind", alert.Kind,
			"observed", alert.Observed, "threshold", alert.Threshold)

		if objectID != "" {
			if _, err := a.ledger.RecordEvent(ctx, objectID, ledger.EventAlert, alert); err != nil {
				a.logger.Error("Ledger alert forward failed during replay", "alert", alert.ID, "err", err)
			}
		}
	}
}
