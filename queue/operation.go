package queue

import (
	"fmt"
	"time"

	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/repository/models"
)

// Kind discriminates the payload of a pending operation.
type Kind string

const (
	KindCreateItem      Kind = "create_item"
	KindUpdateItem      Kind = "update_item"
	KindCreateShipment  Kind = "create_shipment"
	KindUpdateShipment  Kind = "update_shipment"
	KindRecordTelemetry Kind = "record_telemetry"
)

// CreateItemPayload mints-and-mirrors a new item.
type CreateItemPayload struct {
	Item models.Item `json:"item"`
}

// UpdateItemPayload applies a typed partial update to an item.
type UpdateItemPayload struct {
	ItemID string               `json:"item_id"`
	Patch  repository.ItemPatch `json:"patch"`
}

// CreateShipmentPayload mirrors a shipment created while degraded.
type CreateShipmentPayload struct {
	Shipment models.Shipment `json:"shipment"`
}

// UpdateShipmentPayload applies a typed partial update to a shipment.
type UpdateShipmentPayload struct {
	ShipmentID string                   `json:"shipment_id"`
	Patch      repository.ShipmentPatch `json:"patch"`
}

// RecordTelemetryPayload stores a reading and, when the item is minted,
// forwards it to the ledger best-effort.
type RecordTelemetryPayload struct {
	Reading        models.TelemetryReading `json:"reading"`
	LedgerObjectID string                  `json:"ledger_object_id,omitempty"`
}

// Operation is a durable record of a mutation not yet confirmed against the
// store and/or ledger. Exactly one payload field is set, matching Kind; the
// queue and the applier switch on Kind without probing loose maps.
type Operation struct {
	ID         string    `json:"id"` // caller-supplied, used for de-duplication
	Kind       Kind      `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`

	CreateItem      *CreateItemPayload      `json:"create_item,omitempty"`
	UpdateItem      *UpdateItemPayload      `json:"update_item,omitempty"`
	CreateShipment  *CreateShipmentPayload  `json:"create_shipment,omitempty"`
	UpdateShipment  *UpdateShipmentPayload  `json:"update_shipment,omitempty"`
	RecordTelemetry *RecordTelemetryPayload `json:"record_telemetry,omitempty"`
}

// Validate checks that the operation carries exactly the payload its kind
// announces.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("operation has no identifier")
	}

	set := 0
	for _, present := range []bool{
		o.CreateItem != nil,
		o.UpdateItem != nil,
		o.CreateShipment != nil,
		o.UpdateShipment != nil,
		o.RecordTelemetry != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("operation %s: expected exactly one payload, found %d", o.ID, set)
	}

	var match bool
	switch o.Kind {
	case KindCreateItem:
		match = o.CreateItem != nil
	case KindUpdateItem:
		match = o.UpdateItem != nil
	case KindCreateShipment:
		match = o.CreateShipment != nil
	case KindUpdateShipment:
		match = o.UpdateShipment != nil
	case KindRecordTelemetry:
		match = o.RecordTelemetry != nil
	default:
		return fmt.Errorf("operation %s: unknown kind %q", o.ID, o.Kind)
	}
	if !match {
		return fmt.Errorf("operation %s: payload does not match kind %q", o.ID, o.Kind)
	}
	return nil
}

// Constructors keep call sites from assembling the union by hand.

func NewCreateItem(opID string, item models.Item) Operation {
	return Operation{ID: opID, Kind: KindCreateItem, CreateItem: &CreateItemPayload{Item: item}}
}

func NewUpdateItem(opID, itemID string, patch repository.ItemPatch) Operation {
	return Operation{ID: opID, Kind: KindUpdateItem, UpdateItem: &UpdateItemPayload{ItemID: itemID, Patch: patch}}
}

func NewCreateShipment(opID string, shipment models.Shipment) Operation {
	return Operation{ID: opID, Kind: KindCreateShipment, CreateShipment: &CreateShipmentPayload{Shipment: shipment}}
}

func NewUpdateShipment(opID, shipmentID string, patch repository.ShipmentPatch) Operation {
	return Operation{ID: opID, Kind: KindUpdateShipment, UpdateShipment: &UpdateShipmentPayload{ShipmentID: shipmentID, Patch: patch}}
}

func NewRecordTelemetry(opID string, reading models.TelemetryReading, ledgerObjectID string) Operation {
	return Operation{ID: opID, Kind: KindRecordTelemetry, RecordTelemetry: &RecordTelemetryPayload{Reading: reading, LedgerObjectID: ledgerObjectID}}
}
