// Package ledger is the thin gateway between the custody engine and the
// external append-only ledger. The engine only submits transactions and reads
// state; the ledger's execution semantics are not modeled here.
package ledger

import (
	"context"
	"time"
)

// Event types recorded against ledger objects.
const (
	EventMint            = "mint"
	EventCustodyTransfer = "custody_transfer"
	EventDelivery        = "delivery"
	EventTelemetry       = "telemetry"
	EventAlert           = "alert"
	EventAlertAck        = "alert_ack"
)

// ItemDescriptor is the minting payload for a tracked item.
type ItemDescriptor struct {
	ItemID         string    `json:"item_id"`
	TagID          string    `json:"tag_id"`
	BatchID        string    `json:"batch_id"`
	ManufacturedAt time.Time `json:"manufactured_at"`
}

// TxResult is the ledger's receipt for an accepted transaction.
type TxResult struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight int64  `json:"block_height"`
}

// Gateway is the narrow surface consumed by the coordinator, the telemetry
// ingestor and the pending-operation queue. Failures carry the
// transient/permanent classification from the faults package.
type Gateway interface {
	// MintItem registers a new tracked object and returns its ledger object
	// identifier.
	MintItem(ctx context.Context, ownerID string, descriptor ItemDescriptor) (string, error)
	// RecordEvent appends a custody or quality event to an existing object.
	RecordEvent(ctx context.Context, objectID, eventType string, payload interface{}) (*TxResult, error)
	// ReadObject returns the raw ledger state for an object.
	ReadObject(ctx context.Context, objectID string) ([]byte, error)
	// Ping reports ledger reachability for the connection monitor.
	Ping(ctx context.Context) error
}
