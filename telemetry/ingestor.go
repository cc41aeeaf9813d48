// Package telemetry ingests sensor readings, evaluates them against
// per-item threshold configuration and raises alerts for violations.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"

	"github.com/trackware/custodyd/faults"
	"github.com/trackware/custodyd/ledger"
	"github.com/trackware/custodyd/metrics"
	"github.com/trackware/custodyd/queue"
	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/repository/models"
)

// ErrInvalidReading marks readings rejected before any side effect.
var ErrInvalidReading = errors.New("invalid telemetry reading")

// clockSkewTolerance bounds how far in the future a reading's timestamp may
// sit before it is rejected.
const clockSkewTolerance = 5 * time.Minute

// Store is the durable-store surface the ingestor reads and writes.
type Store interface {
	GetItem(ctx context.Context, itemID string) (*models.Item, error)
	SaveReading(ctx context.Context, reading *models.TelemetryReading) error
	Thresholds(ctx context.Context, itemID string) ([]models.ThresholdConfig, error)
	SaveAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID string) error
}

// Health reports whether mutations should be queued rather than applied
// synchronously.
type Health interface {
	IsDegraded() bool
}

// PendingQueue is the slice of the queue the ingestor enqueues into.
type PendingQueue interface {
	Enqueue(op queue.Operation) (*queue.Operation, bool, error)
}

// Reading is one inbound sensor sample.
type Reading struct {
	ItemID     string    `json:"item_id"`
	SensorKind string    `json:"sensor_kind"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Location   string    `json:"location,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Result reports an ingestion outcome. Alerts is empty on the pending path:
// the reading has not been stored yet, so thresholds are evaluated by the
// queue when it replays the reading.
type Result struct {
	Acceptance string         `json:"acceptance"` // "confirmed" or "pending"
	Alerts     []models.Alert `json:"alerts,omitempty"`
}

// Ingestor validates, stores and evaluates telemetry.
type Ingestor struct {
	store   Store
	ledger  ledger.Gateway
	pending PendingQueue
	health  Health
	logger  cmtlog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewIngestor(store Store, lg ledger.Gateway, pending PendingQueue, health Health, logger cmtlog.Logger) *Ingestor {
	return &Ingestor{
		store:   store,
		ledger:  lg,
		pending: pending,
		health:  health,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// itemLock serializes ingestion per item so two concurrent readings cannot
// interleave their threshold evaluations.
func (in *Ingestor) itemLock(itemID string) func() {
	in.mu.Lock()
	m, ok := in.locks[itemID]
	if !ok {
		m = &sync.Mutex{}
		in.locks[itemID] = m
	}
	in.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func validKind(kind string) bool {
	switch kind {
	case models.SensorTemperature, models.SensorHumidity, models.SensorShock, models.SensorLocation:
		return true
	}
	return false
}

// validate rejects malformed readings before any side effect.
func validate(r Reading) error {
	if r.ItemID == "" {
		return fmt.Errorf("%w: missing item", ErrInvalidReading)
	}
	if !validKind(r.SensorKind) {
		return fmt.Errorf("%w: unknown sensor kind %q", ErrInvalidReading, r.SensorKind)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("%w: value is not finite", ErrInvalidReading)
	}
	if r.RecordedAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidReading)
	}
	if r.RecordedAt.After(time.Now().Add(clockSkewTolerance)) {
		return fmt.Errorf("%w: timestamp is in the future", ErrInvalidReading)
	}
	return nil
}

// Ingest stores one reading and raises alerts for any threshold its value
// violates. While degraded the reading is queued and the evaluation is
// deferred to the replay, which runs it once the reading lands in the store.
func (in *Ingestor) Ingest(ctx context.Context, r Reading) (*Result, error) {
	if err := validate(r); err != nil {
		metrics.TelemetryReadingsInvalidTotal.Inc()
		return nil, err
	}

	unlock := in.itemLock(r.ItemID)
	defer unlock()

	reading := models.TelemetryReading{
		ItemID:     r.ItemID,
		SensorKind: r.SensorKind,
		Value:      r.Value,
		Unit:       r.Unit,
		Location:   r.Location,
		RecordedAt: r.RecordedAt.UTC(),
	}

	item, itemErr := in.store.GetItem(ctx, r.ItemID)
	if itemErr != nil {
		if errors.Is(itemErr, repository.ErrNotFound) {
			metrics.TelemetryReadingsInvalidTotal.Inc()
			return nil, fmt.Errorf("%w: unknown item %s", ErrInvalidReading, r.ItemID)
		}
		if !faults.IsTransient(itemErr) {
			return nil, itemErr
		}
		// Store unreachable: accept the sample optimistically without
		// confirming the item. The object id is unknown, so the replayed
		// operation is store-only.
		return in.enqueueReading(reading, "")
	}

	objectID := ""
	if item.LedgerObjectID != nil {
		objectID = *item.LedgerObjectID
	}

	if in.health.IsDegraded() {
		return in.enqueueReading(reading, objectID)
	}
	if err := in.store.SaveReading(ctx, &reading); err != nil {
		if !faults.IsTransient(err) {
			return nil, err
		}
		return in.enqueueReading(reading, objectID)
	}
	metrics.TelemetryReadingsTotal.Inc()

	// Store-first, ledger-best-effort.
	if objectID != "" {
		if _, err := in.ledger.RecordEvent(ctx, objectID, ledger.EventTelemetry, reading); err != nil {
			in.logger.Error("Ledger telemetry forward failed", "item", r.ItemID, "err", err)
		}
	}

	alerts, err := in.evaluate(ctx, reading, objectID)
	if err != nil {
		return nil, err
	}
	return &Result{Acceptance: "confirmed", Alerts: alerts}, nil
}

func (in *Ingestor) enqueueReading(reading models.TelemetryReading, objectID string) (*Result, error) {
	op := queue.NewRecordTelemetry(uuid.NewString(), reading, objectID)
	if _, _, err := in.pending.Enqueue(op); err != nil {
		return nil, err
	}
	metrics.TelemetryReadingsTotal.Inc()
	return &Result{Acceptance: "pending"}, nil
}

// evaluate compares the reading against the item's threshold configuration
// and persists one alert per violated bound.
func (in *Ingestor) evaluate(ctx context.Context, reading models.TelemetryReading, objectID string) ([]models.Alert, error) {
	configs, err := in.store.Thresholds(ctx, reading.ItemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	alerts := models.EvaluateThresholds(reading, configs)
	for i := range alerts {
		alert := &alerts[i]
		if err := in.store.SaveAlert(ctx, alert); err != nil {
			// The caller still sees the alert; the record is only lost from
			// the store's history.
			in.logger.Error("Alert persist failed", "alert", alert.ID, "err", err)
		}
		metrics.AlertsTotal.WithLabelValues(alert.Kind).Inc()
		in.logger.Info("Threshold alert raised",
			"alert", alert.ID, "item", alert.ItemID, "kind", alert.Kind,
			"observed", alert.Observed, "threshold", alert.Threshold)

		if objectID != "" {
			if _, err := in.ledger.RecordEvent(ctx, objectID, ledger.EventAlert, alert); err != nil {
				in.logger.Error("Ledger alert forward failed", "alert", alert.ID, "err", err)
			}
		}
	}
	return alerts, nil
}

// Acknowledge marks an alert handled and forwards the acknowledgement to the
// ledger best-effort.
func (in *Ingestor) Acknowledge(ctx context.Context, alertID string) (*models.Alert, error) {
	alert, err := in.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !alert.Acknowledged {
		if err := in.store.AcknowledgeAlert(ctx, alertID); err != nil {
			return nil, err
		}
		alert.Acknowledged = true
	}

	if item, err := in.store.GetItem(ctx, alert.ItemID); err == nil && item.LedgerObjectID != nil {
		payload := map[string]string{"alert_id": alertID}
		if _, err := in.ledger.RecordEvent(ctx, *item.LedgerObjectID, ledger.EventAlertAck, payload); err != nil {
			in.logger.Error("Ledger alert ack forward failed", "alert", alertID, "err", err)
		}
	}
	return alert, nil
}
