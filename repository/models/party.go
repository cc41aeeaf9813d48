package models

// Party represents an owning or custodian organization referenced by items
// and shipments.
type Party struct {
	ID       string `gorm:"column:party_id;primaryKey;type:varchar(50)"`
	Name     string `gorm:"column:name;type:varchar(100);not null"`
	Role     string `gorm:"column:role;type:varchar(50)"`
	Location string `gorm:"column:location;type:varchar(255)"`
}
