package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/trackware/custodyd/faults"
	"github.com/trackware/custodyd/repository/models"
)

// PostgreSQL error codes as constants
const (
	// Class 23 — Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 22 — Data Exception
	PgErrDataException          = "22000" // data_exception
	PgErrNumericValueOutOfRange = "22003" // numeric_value_out_of_range
	PgErrInvalidDatetimeFormat  = "22007" // invalid_datetime_format

	// Class 08 — Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 40 — Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback
	PgErrSerializationFail   = "40001" // serialization_failure

	// Class 53 — Insufficient Resources
	PgErrInsufficientResources = "53000" // insufficient_resources
	PgErrDiskFull              = "53100" // disk_full
	PgErrOutOfMemory           = "53200" // out_of_memory

	// Class 57 — Operator Intervention
	PgErrAdminShutdown = "57P01" // admin_shutdown
	PgErrCrashShutdown = "57P02" // crash_shutdown
)

// ErrNotFound marks lookups for records that do not exist. It is a caller
// error, not a backend failure, and is never queued for retry.
var ErrNotFound = errors.New("record not found")

// RepositoryError represents an error in the store layer, keeping the
// SQLSTATE code when the failure came from Postgres.
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// Repository is the durable-store gateway. The store is a read-optimized
// mirror; the ledger stays the source of truth for custody events.
type Repository struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{logger: logger}
}

// ConnectDB dials Postgres with a bounded retry loop; container setups often
// race the database coming up.
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		db, err := gorm.Open(postgres.Open(dsn))
		if err == nil {
			r.db = db
			r.logger.Info("Connected to Postgres")
			return nil
		}
		lastErr = err
		r.logger.Info("Connection attempt failed", "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("connecting to postgres: %w", lastErr)
}

// UseDB injects an already-open gorm handle. Used by tests and by callers
// that manage the connection themselves.
func (r *Repository) UseDB(db *gorm.DB) {
	r.db = db
}

func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Party{},
		&models.Item{},
		&models.Shipment{},
		&models.TelemetryReading{},
		&models.ThresholdConfig{},
		&models.Alert{},
	)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	r.logger.Info("Database migration completed")
	return nil
}

// Seed inserts a minimal set of parties so custody endpoints are exercisable
// on a fresh database.
func (r *Repository) Seed() {
	var count int64
	r.db.Model(&models.Party{}).Count(&count)
	if count > 0 {
		r.logger.Info("Seed data already exists, skipping")
		return
	}

	parties := []models.Party{
		{ID: "PTY-001", Name: "Harbor Manufacturing", Role: "manufacturer", Location: "Singapore"},
		{ID: "PTY-002", Name: "Meridian Freight", Role: "carrier", Location: "Hong Kong"},
		{ID: "PTY-003", Name: "Southline Distribution", Role: "distributor", Location: "Jakarta"},
		{ID: "PTY-004", Name: "Cityside Retail", Role: "retailer", Location: "Kuala Lumpur"},
	}
	for _, p := range parties {
		if err := r.db.Create(&p).Error; err != nil {
			r.logger.Error("Error seeding party", "party", p.ID, "err", err)
		}
	}
	r.logger.Info("Database seeding completed")
}

// Ping reports store reachability for the connection monitor.
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return errors.New("database not connected")
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// wrap converts a gorm/pg error into the transient/permanent taxonomy.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		repoErr := &RepositoryError{Code: pgErr.Code, Message: pgErr.Message, Detail: pgErr.Detail}
		if transientSQLState(pgErr.Code) {
			return faults.Transient(op, repoErr)
		}
		return faults.Permanent(op, repoErr)
	}

	// Anything without a SQLSTATE is assumed to be a connectivity problem
	// and therefore retryable.
	return faults.Transient(op, &RepositoryError{Code: "DATABASE_ERROR", Message: "database error", Detail: err.Error()})
}

// transientSQLState reports whether a SQLSTATE class indicates a failure
// worth retrying. Constraint and data violations are permanent.
func transientSQLState(code string) bool {
	if len(code) < 2 {
		return true
	}
	switch code[:2] {
	case "08", "40", "53", "57", "58", "XX":
		return true
	default:
		return false
	}
}

// Party operations

func (r *Repository) GetParty(ctx context.Context, partyID string) (*models.Party, error) {
	var party models.Party
	err := r.db.WithContext(ctx).Where("party_id = ?", partyID).First(&party).Error
	if err != nil {
		return nil, wrap("get party", err)
	}
	return &party, nil
}

func (r *Repository) ListParties(ctx context.Context) ([]models.Party, error) {
	var parties []models.Party
	err := r.db.WithContext(ctx).Order("party_id").Find(&parties).Error
	if err != nil {
		return nil, wrap("list parties", err)
	}
	return parties, nil
}

// Item operations

func (r *Repository) CreateItem(ctx context.Context, item *models.Item) error {
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		return wrap("create item", err)
	}
	return nil
}

func (r *Repository) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	var item models.Item
	err := r.db.WithContext(ctx).Where("item_id = ?", itemID).First(&item).Error
	if err != nil {
		return nil, wrap("get item", err)
	}
	return &item, nil
}

// GetItemByTag resolves a scanned RFID/barcode tag to an item.
func (r *Repository) GetItemByTag(ctx context.Context, tagID string) (*models.Item, error) {
	var item models.Item
	err := r.db.WithContext(ctx).Where("tag_id = ?", tagID).First(&item).Error
	if err != nil {
		return nil, wrap("get item by tag", err)
	}
	return &item, nil
}

// ItemPatch is a typed partial update for an item. Nil fields are untouched.
type ItemPatch struct {
	CustodianID    *string `json:"custodian_id,omitempty"`
	OwnerID        *string `json:"owner_id,omitempty"`
	Location       *string `json:"location,omitempty"`
	Status         *string `json:"status,omitempty"`
	LedgerObjectID *string `json:"ledger_object_id,omitempty"`
}

func (p ItemPatch) updates() map[string]interface{} {
	u := map[string]interface{}{}
	if p.CustodianID != nil {
		u["custodian_id"] = *p.CustodianID
	}
	if p.OwnerID != nil {
		u["owner_id"] = *p.OwnerID
	}
	if p.Location != nil {
		u["location"] = *p.Location
	}
	if p.Status != nil {
		u["status"] = *p.Status
	}
	if p.LedgerObjectID != nil {
		u["ledger_object_id"] = *p.LedgerObjectID
	}
	return u
}

// UpdateItemFields applies a partial update. The ledger object identifier is
// write-once: a patch that would overwrite an existing value is rejected.
func (r *Repository) UpdateItemFields(ctx context.Context, itemID string, patch ItemPatch) error {
	updates := patch.updates()
	if len(updates) == 0 {
		return nil
	}

	if patch.LedgerObjectID != nil {
		existing, err := r.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if existing.LedgerObjectID != nil && *existing.LedgerObjectID != *patch.LedgerObjectID {
			return faults.Permanent("update item", &RepositoryError{
				Code:    "IMMUTABLE_FIELD",
				Message: "ledger object identifier is write-once",
				Detail:  fmt.Sprintf("item %s already minted as %s", itemID, *existing.LedgerObjectID),
			})
		}
	}

	res := r.db.WithContext(ctx).Model(&models.Item{}).Where("item_id = ?", itemID).Updates(updates)
	if res.Error != nil {
		return wrap("update item", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update item %s: %w", itemID, ErrNotFound)
	}
	return nil
}

// Shipment operations

func (r *Repository) CreateShipment(ctx context.Context, shipment *models.Shipment) error {
	if err := r.db.WithContext(ctx).Create(shipment).Error; err != nil {
		return wrap("create shipment", err)
	}
	return nil
}

func (r *Repository) GetShipment(ctx context.Context, shipmentID string) (*models.Shipment, error) {
	var shipment models.Shipment
	err := r.db.WithContext(ctx).Where("shipment_id = ?", shipmentID).First(&shipment).Error
	if err != nil {
		return nil, wrap("get shipment", err)
	}
	return &shipment, nil
}

// ActiveShipmentForItem returns the item's shipment in a non-terminal status,
// or ErrNotFound when none exists. At most one may exist at a time.
func (r *Repository) ActiveShipmentForItem(ctx context.Context, itemID string) (*models.Shipment, error) {
	var shipment models.Shipment
	err := r.db.WithContext(ctx).
		Where("item_id = ? AND status NOT IN ?", itemID,
			[]string{models.ShipmentStatusConfirmed, models.ShipmentStatusCancelled}).
		First(&shipment).Error
	if err != nil {
		return nil, wrap("active shipment for item", err)
	}
	return &shipment, nil
}

// ShipmentPatch is a typed partial update for a shipment.
type ShipmentPatch struct {
	Status     *string `json:"status,omitempty"`
	ToLocation *string `json:"to_location,omitempty"`
	TxHash     *string `json:"tx_hash,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

func (p ShipmentPatch) updates() map[string]interface{} {
	u := map[string]interface{}{}
	if p.Status != nil {
		u["status"] = *p.Status
	}
	if p.ToLocation != nil {
		u["to_location"] = *p.ToLocation
	}
	if p.TxHash != nil {
		u["tx_hash"] = *p.TxHash
	}
	if p.Notes != nil {
		u["notes"] = *p.Notes
	}
	return u
}

func (r *Repository) UpdateShipmentFields(ctx context.Context, shipmentID string, patch ShipmentPatch) error {
	updates := patch.updates()
	if len(updates) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.Shipment{}).Where("shipment_id = ?", shipmentID).Updates(updates)
	if res.Error != nil {
		return wrap("update shipment", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update shipment %s: %w", shipmentID, ErrNotFound)
	}
	return nil
}

// Telemetry operations

func (r *Repository) SaveReading(ctx context.Context, reading *models.TelemetryReading) error {
	if err := r.db.WithContext(ctx).Create(reading).Error; err != nil {
		return wrap("save reading", err)
	}
	return nil
}

// Thresholds returns the item's configured bounds, keyed by sensor kind.
func (r *Repository) Thresholds(ctx context.Context, itemID string) ([]models.ThresholdConfig, error) {
	var configs []models.ThresholdConfig
	err := r.db.WithContext(ctx).Where("item_id = ?", itemID).Find(&configs).Error
	if err != nil {
		return nil, wrap("thresholds", err)
	}
	return configs, nil
}

func (r *Repository) PutThreshold(ctx context.Context, config *models.ThresholdConfig) error {
	err := r.db.WithContext(ctx).Save(config).Error
	if err != nil {
		return wrap("put threshold", err)
	}
	return nil
}

func (r *Repository) SaveAlert(ctx context.Context, alert *models.Alert) error {
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return wrap("save alert", err)
	}
	return nil
}

func (r *Repository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	var alert models.Alert
	err := r.db.WithContext(ctx).Where("alert_id = ?", alertID).First(&alert).Error
	if err != nil {
		return nil, wrap("get alert", err)
	}
	return &alert, nil
}

func (r *Repository) AcknowledgeAlert(ctx context.Context, alertID string) error {
	res := r.db.WithContext(ctx).Model(&models.Alert{}).
		Where("alert_id = ?", alertID).
		Update("acknowledged", true)
	if res.Error != nil {
		return wrap("acknowledge alert", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("acknowledge alert %s: %w", alertID, ErrNotFound)
	}
	return nil
}
