package models

import "time"

// Sensor kinds accepted by the ingestor.
const (
	SensorTemperature = "temperature"
	SensorHumidity    = "humidity"
	SensorShock       = "shock"
	SensorLocation    = "location"
)

// TelemetryReading is one sensor sample. Immutable once recorded.
type TelemetryReading struct {
	ID         uint      `gorm:"column:reading_id;primaryKey;autoIncrement"`
	ItemID     string    `gorm:"column:item_id;type:varchar(50);index;not null"`
	SensorKind string    `gorm:"column:sensor_kind;type:varchar(20);not null"`
	Value      float64   `gorm:"column:value;not null"`
	Unit       string    `gorm:"column:unit;type:varchar(20)"`
	Location   string    `gorm:"column:location;type:varchar(255)"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null;index"`
}

// ThresholdConfig holds an item's configured min/max bounds for one sensor
// kind. A nil bound means that side is unconstrained.
type ThresholdConfig struct {
	ItemID     string   `gorm:"column:item_id;type:varchar(50);primaryKey"`
	SensorKind string   `gorm:"column:sensor_kind;type:varchar(20);primaryKey"`
	Min        *float64 `gorm:"column:min_value"`
	Max        *float64 `gorm:"column:max_value"`
	Unit       string   `gorm:"column:unit;type:varchar(20)"`
}
