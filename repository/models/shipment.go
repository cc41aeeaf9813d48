package models

import "time"

// Shipment statuses form a fixed forward-only order; cancelled is reachable
// from requested or approved only.
const (
	ShipmentStatusRequested = "requested"
	ShipmentStatusApproved  = "approved"
	ShipmentStatusShipped   = "shipped"
	ShipmentStatusDelivered = "delivered"
	ShipmentStatusConfirmed = "confirmed"
	ShipmentStatusCancelled = "cancelled"
)

// ShipmentRank maps a status to its position in the forward-only order.
// Cancelled is terminal and outside the walk.
var ShipmentRank = map[string]int{
	ShipmentStatusRequested: 0,
	ShipmentStatusApproved:  1,
	ShipmentStatusShipped:   2,
	ShipmentStatusDelivered: 3,
	ShipmentStatusConfirmed: 4,
}

// ShipmentTerminal reports whether a status admits no further transitions.
func ShipmentTerminal(status string) bool {
	return status == ShipmentStatusConfirmed || status == ShipmentStatusCancelled
}

// Shipment represents one custody-transfer instance for an item.
type Shipment struct {
	ID           string    `gorm:"column:shipment_id;primaryKey;type:varchar(50)"`
	ItemID       string    `gorm:"column:item_id;type:varchar(50);index;not null"`
	Item         *Item     `gorm:"foreignKey:ItemID"`
	FromParty    string    `gorm:"column:from_party;type:varchar(50);not null"`
	ToParty      string    `gorm:"column:to_party;type:varchar(50);not null"`
	FromLocation string    `gorm:"column:from_location;type:varchar(255)"`
	ToLocation   string    `gorm:"column:to_location;type:varchar(255)"`
	Status       string    `gorm:"column:status;type:varchar(20);default:'requested'"`
	Notes        string    `gorm:"column:notes;type:text"`
	WalletID     string    `gorm:"column:wallet_id;type:varchar(66);index"`
	OperationID  string    `gorm:"column:operation_id;type:varchar(66)"`
	TxHash       *string   `gorm:"column:tx_hash;type:varchar(66)"` // Null until ledger-confirmed
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
