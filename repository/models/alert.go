package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is derived from a telemetry reading that violated an item's
// configured threshold. Mutated only by an explicit acknowledgement.
type Alert struct {
	ID           string    `gorm:"column:alert_id;primaryKey;type:varchar(66)"`
	ItemID       string    `gorm:"column:item_id;type:varchar(50);index;not null"`
	Kind         string    `gorm:"column:kind;type:varchar(40);not null"` // e.g. temperature-high
	Observed     float64   `gorm:"column:observed;not null"`
	Threshold    float64   `gorm:"column:threshold;not null"`
	Severity     string    `gorm:"column:severity;type:varchar(20);default:'warning'"`
	RecordedAt   time.Time `gorm:"column:recorded_at;not null"`
	Acknowledged bool      `gorm:"column:acknowledged;default:false"`
}

// EvaluateThresholds derives one alert per bound the reading violates among
// the configs matching its sensor kind.
func EvaluateThresholds(reading TelemetryReading, configs []ThresholdConfig) []Alert {
	var alerts []Alert
	for _, cfg := range configs {
		if cfg.SensorKind != reading.SensorKind {
			continue
		}
		if cfg.Min != nil && reading.Value < *cfg.Min {
			alerts = append(alerts, NewThresholdAlert(reading, reading.SensorKind+"-low", *cfg.Min))
		}
		if cfg.Max != nil && reading.Value > *cfg.Max {
			alerts = append(alerts, NewThresholdAlert(reading, reading.SensorKind+"-high", *cfg.Max))
		}
	}
	return alerts
}

// NewThresholdAlert derives a deterministic alert from one violated bound;
// the same reading always produces the same alert identifier, so a repeated
// evaluation cannot mint a second record for the same violation.
func NewThresholdAlert(reading TelemetryReading, kind string, threshold float64) Alert {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%f|%d",
		reading.ItemID, kind, reading.Value, reading.RecordedAt.UnixNano())))

	severity := SeverityWarning
	if threshold != 0 && math.Abs(reading.Value-threshold) > 0.2*math.Abs(threshold) {
		severity = SeverityCritical
	}
	return Alert{
		ID:         fmt.Sprintf("ALT-%s", hex.EncodeToString(sum[:])[:16]),
		ItemID:     reading.ItemID,
		Kind:       kind,
		Observed:   reading.Value,
		Threshold:  threshold,
		Severity:   severity,
		RecordedAt: reading.RecordedAt,
	}
}
