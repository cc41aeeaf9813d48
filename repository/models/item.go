package models

import "time"

// Item lifecycle statuses. Transitions only move forward; an item is never
// deleted, only marked inactive.
const (
	ItemStatusCreated   = "created"
	ItemStatusInCustody = "in_custody"
	ItemStatusInTransit = "in_transit"
	ItemStatusFlagged   = "flagged"
	ItemStatusInactive  = "inactive"
)

// Item represents a single tracked physical unit, mirrored between the
// durable store and the ledger.
type Item struct {
	ID             string     `gorm:"column:item_id;primaryKey;type:varchar(50)"`
	TagID          string     `gorm:"column:tag_id;type:varchar(100);uniqueIndex"`
	BatchID        string     `gorm:"column:batch_id;type:varchar(50);index"`
	ManufacturedAt time.Time  `gorm:"column:manufactured_at"`
	ExpiresAt      *time.Time `gorm:"column:expires_at"`
	OwnerID        string     `gorm:"column:owner_id;type:varchar(50);index"`
	CustodianID    string     `gorm:"column:custodian_id;type:varchar(50);index"`
	Location       string     `gorm:"column:location;type:varchar(255)"`
	Status         string     `gorm:"column:status;type:varchar(20);default:'created'"`
	// LedgerObjectID is set once when the item is minted on the ledger and is
	// write-once from then on.
	LedgerObjectID *string   `gorm:"column:ledger_object_id;type:varchar(66)"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`

	// Relationships
	Shipments  []Shipment         `gorm:"foreignKey:ItemID"`
	Readings   []TelemetryReading `gorm:"foreignKey:ItemID"`
	Alerts     []Alert            `gorm:"foreignKey:ItemID"`
	Thresholds []ThresholdConfig  `gorm:"foreignKey:ItemID"`
}
