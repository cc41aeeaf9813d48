package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/require"

	"github.com/trackware/custodyd/faults"
	"github.com/trackware/custodyd/ledger"
	"github.com/trackware/custodyd/queue"
	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/repository/models"
)

type fakeStore struct {
	mu         sync.Mutex
	items      map[string]*models.Item
	thresholds []models.ThresholdConfig
	readings   []models.TelemetryReading
	alerts     map[string]*models.Alert
	saveErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:  make(map[string]*models.Item),
		alerts: make(map[string]*models.Alert),
	}
}

func (s *fakeStore) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *fakeStore) SaveReading(ctx context.Context, reading *models.TelemetryReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.readings = append(s.readings, *reading)
	return nil
}

func (s *fakeStore) Thresholds(ctx context.Context, itemID string) ([]models.ThresholdConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ThresholdConfig
	for _, cfg := range s.thresholds {
		if cfg.ItemID == itemID {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *alert
	s.alerts[alert.ID] = &copied
	return nil
}

func (s *fakeStore) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *alert
	return &copied, nil
}

func (s *fakeStore) AcknowledgeAlert(ctx context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return repository.ErrNotFound
	}
	alert.Acknowledged = true
	return nil
}

type fakeLedger struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeLedger) MintItem(ctx context.Context, ownerID string, d ledger.ItemDescriptor) (string, error) {
	return "OBJ-1", nil
}

func (f *fakeLedger) RecordEvent(ctx context.Context, objectID, eventType string, payload interface{}) (*ledger.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return &ledger.TxResult{TxHash: fmt.Sprintf("TX-%d", len(f.events))}, nil
}

func (f *fakeLedger) ReadObject(ctx context.Context, objectID string) ([]byte, error) {
	return nil, nil
}

func (f *fakeLedger) Ping(ctx context.Context) error { return nil }

type fakeQueue struct {
	mu  sync.Mutex
	ops []queue.Operation
}

func (q *fakeQueue) Enqueue(op queue.Operation) (*queue.Operation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	return &op, false, nil
}

type fakeHealth struct{ degraded bool }

func (h *fakeHealth) IsDegraded() bool { return h.degraded }

type harness struct {
	store    *fakeStore
	ledger   *fakeLedger
	queue    *fakeQueue
	health   *fakeHealth
	ingestor *Ingestor
}

func newHarness() *harness {
	store := newFakeStore()
	lg := &fakeLedger{}
	pending := &fakeQueue{}
	health := &fakeHealth{}
	return &harness{
		store:    store,
		ledger:   lg,
		queue:    pending,
		health:   health,
		ingestor: NewIngestor(store, lg, pending, health, cmtlog.NewNopLogger()),
	}
}

func (h *harness) seedItem(minted bool) {
	item := &models.Item{
		ID:          "ITM-1",
		TagID:       "TAG-1",
		CustodianID: "PTY-001",
		Status:      models.ItemStatusInCustody,
	}
	if minted {
		objectID := "OBJ-1"
		item.LedgerObjectID = &objectID
	}
	h.store.items[item.ID] = item
}

func (h *harness) setThreshold(kind string, min, max *float64) {
	h.store.thresholds = append(h.store.thresholds, models.ThresholdConfig{
		ItemID:     "ITM-1",
		SensorKind: kind,
		Min:        min,
		Max:        max,
	})
}

func fptr(v float64) *float64 { return &v }

func reading(kind string, value float64) Reading {
	return Reading{
		ItemID:     "ITM-1",
		SensorKind: kind,
		Value:      value,
		Unit:       "C",
		RecordedAt: time.Now().UTC(),
	}
}

func TestIngestRejectsMalformedReadings(t *testing.T) {
	h := newHarness()
	h.seedItem(true)

	testCases := []struct {
		name    string
		reading Reading
	}{
		{"missing item", Reading{SensorKind: models.SensorTemperature, Value: 1, RecordedAt: time.Now()}},
		{"unknown kind", Reading{ItemID: "ITM-1", SensorKind: "radiation", Value: 1, RecordedAt: time.Now()}},
		{"nan value", reading(models.SensorTemperature, math.NaN())},
		{"infinite value", reading(models.SensorTemperature, math.Inf(1))},
		{"zero timestamp", Reading{ItemID: "ITM-1", SensorKind: models.SensorTemperature, Value: 1}},
		{"future timestamp", Reading{
			ItemID: "ITM-1", SensorKind: models.SensorTemperature, Value: 1,
			RecordedAt: time.Now().Add(time.Hour),
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ingestor.Ingest(context.Background(), tc.reading)
			require.ErrorIs(t, err, ErrInvalidReading)
		})
	}
	require.Empty(t, h.store.readings)
}

func TestIngestRejectsUnknownItem(t *testing.T) {
	h := newHarness()
	_, err := h.ingestor.Ingest(context.Background(), reading(models.SensorTemperature, 4))
	require.ErrorIs(t, err, ErrInvalidReading)
}

func TestIngestStoresAndForwards(t *testing.T) {
	h := newHarness()
	h.seedItem(true)

	result, err := h.ingestor.Ingest(context.Background(), reading(models.SensorTemperature, 4))
	require.NoError(t, err)
	require.Equal(t, "confirmed", result.Acceptance)
	require.Empty(t, result.Alerts)
	require.Len(t, h.store.readings, 1)
	require.Contains(t, h.ledger.events, ledger.EventTelemetry)
}

func TestIngestUnmintedItemSkipsLedger(t *testing.T) {
	h := newHarness()
	h.seedItem(false)

	result, err := h.ingestor.Ingest(context.Background(), reading(models.SensorTemperature, 4))
	require.NoError(t, err)
	require.Equal(t, "confirmed", result.Acceptance)
	require.Empty(t, h.ledger.events)
}

func TestThresholdViolationRaisesAlert(t *testing.T) {
	h := newHarness()
	h.seedItem(true)
	h.setThreshold(models.SensorTemperature, fptr(2), fptr(25))

	// In range: no alert.
	result, err := h.ingestor.Ingest(context.Background(), reading(models.SensorTemperature, 10))
	require.NoError(t, err)
	require.Empty(t, result.Alerts)

	// Above max.
	result, err = h.ingestor.Ingest(context.Background(), reading(models.SensorTemperature, 30))
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	alert := result.Alerts[0]
	require.Equal(t, "temperature-high", alert.Kind)
	require.Equal(t, 30.0, alert.Observed)
	require.Equal(t, 25.0, alert.Threshold)
	require.Equal(t, models.SeverityWarning, alert.Severity)
	require.Contains(t, h.store.alerts, alert.ID)
	require.Contains(t, h.ledger.events, ledger.EventAlert)

	// Below min, far out of bounds: critical.
	result, err = h.ingestor.Ingest(context.Background(), reading(models.SensorTemperature, -10))
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	require.Equal(t, "temperature-low", result.Alerts[0].Kind)
	require.Equal(t, models.SeverityCritical, result.Alerts[0].Severity)
}

func TestThresholdsAreIndependentPerSensorKind(t *testing.T) {
	h := newHarness()
	h.seedItem(true)
	h.setThreshold(models.SensorTemperature, nil, fptr(8))
	h.setThreshold(models.SensorHumidity, fptr(30), nil)

	// A humidity reading must not trip the temperature bound.
	result, err := h.ingestor.Ingest(context.Background(), Reading{
		ItemID: "ITM-1", SensorKind: models.SensorHumidity, Value: 50,
		RecordedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Empty(t, result.Alerts)

	result, err = h.ingestor.Ingest(context.Background(), Reading{
		ItemID: "ITM-1", SensorKind: models.SensorHumidity, Value: 10,
		RecordedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	require.Equal(t, "humidity-low", result.Alerts[0].Kind)
}

func TestDegradedIngestQueuesWithoutAlerts(t *testing.T) {
	h := newHarness()
	h.seedItem(true)
	h.setThreshold(models.SensorTemperature, nil, fptr(8))
	h.health.degraded = true

	result, err := h.ingestor.Ingest(context.Background(), reading(models.SensorTemperature, 30))
	require.NoError(t, err)
	require.Equal(t, "pending", result.Acceptance)
	require.Empty(t, result.Alerts)
	require.Empty(t, h.store.readings)

	require.Len(t, h.queue.ops, 1)
	op := h.queue.ops[0]
	require.Equal(t, queue.KindRecordTelemetry, op.Kind)
	require.Equal(t, "OBJ-1", op.RecordTelemetry.LedgerObjectID)
	require.Equal(t, 30.0, op.RecordTelemetry.Reading.Value)
}

func TestTransientSaveFailureQueues(t *testing.T) {
	h := newHarness()
	h.seedItem(true)
	h.store.saveErr = faults.Transient("store", errors.New("connection refused"))

	result, err := h.ingestor.Ingest(context.Background(), reading(models.SensorTemperature, 4))
	require.NoError(t, err)
	require.Equal(t, "pending", result.Acceptance)
	require.Len(t, h.queue.ops, 1)
}

func TestAcknowledgeAlert(t *testing.T) {
	h := newHarness()
	h.seedItem(true)
	h.setThreshold(models.SensorTemperature, nil, fptr(8))

	result, err := h.ingestor.Ingest(context.Background(), reading(models.SensorTemperature, 30))
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	alertID := result.Alerts[0].ID

	acked, err := h.ingestor.Acknowledge(context.Background(), alertID)
	require.NoError(t, err)
	require.True(t, acked.Acknowledged)
	require.Contains(t, h.ledger.events, ledger.EventAlertAck)

	// Acknowledging twice is harmless.
	acked, err = h.ingestor.Acknowledge(context.Background(), alertID)
	require.NoError(t, err)
	require.True(t, acked.Acknowledged)

	_, err = h.ingestor.Acknowledge(context.Background(), "ALT-missing")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
