package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trackware/custodyd/faults"
	"github.com/trackware/custodyd/ledger"
	"github.com/trackware/custodyd/queue"
	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/repository/models"
)

// RegisterItemInput is the manufacturing intake for one tracked unit.
type RegisterItemInput struct {
	TagID          string     `json:"tag_id"`
	BatchID        string     `json:"batch_id"`
	OwnerID        string     `json:"owner_id"`
	Location       string     `json:"location"`
	ManufacturedAt time.Time  `json:"manufactured_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// ItemResult reports a registration outcome. LedgerObjectID is empty until
// the mint has been confirmed on the ledger.
type ItemResult struct {
	ItemID         string     `json:"item_id"`
	LedgerObjectID string     `json:"ledger_object_id,omitempty"`
	Status         string     `json:"status"`
	Acceptance     Acceptance `json:"acceptance"`
}

// RegisterItem creates the store record for a new item and mints its ledger
// object. Minting is not replayed by the queue; an item left unminted by a
// transient ledger failure is reported as pending and minted on the next
// registration attempt for the same tag.
func (c *Coordinator) RegisterItem(ctx context.Context, input RegisterItemInput) (*ItemResult, error) {
	if input.TagID == "" || input.OwnerID == "" {
		return nil, fmt.Errorf("%w: tag and owner are required", ErrInvalidInput)
	}
	if input.ManufacturedAt.IsZero() {
		input.ManufacturedAt = time.Now().UTC()
	}

	unlock := c.locks.lock("tag:" + input.TagID)
	defer unlock()

	// Re-registration of a known tag resumes an interrupted mint instead of
	// violating the tag uniqueness constraint. The lookup must actually
	// answer: a store failure here cannot pass for a free tag, or the retry
	// would create a colliding second item.
	existing, err := c.store.GetItemByTag(ctx, input.TagID)
	if err == nil {
		return c.mintIfNeeded(ctx, existing)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	item := models.Item{
		ID:             fmt.Sprintf("ITM-%s", uuid.NewString()[:8]),
		TagID:          input.TagID,
		BatchID:        input.BatchID,
		ManufacturedAt: input.ManufacturedAt,
		ExpiresAt:      input.ExpiresAt,
		OwnerID:        input.OwnerID,
		CustodianID:    input.OwnerID,
		Location:       input.Location,
		Status:         models.ItemStatusCreated,
	}

	if c.health.IsDegraded() {
		if err := c.enqueue(queue.NewCreateItem(uuid.NewString(), item)); err != nil {
			return nil, err
		}
		return &ItemResult{ItemID: item.ID, Status: item.Status, Acceptance: AcceptedPending}, nil
	}
	if err := c.store.CreateItem(ctx, &item); err != nil {
		if !faults.IsTransient(err) {
			return nil, err
		}
		if err := c.enqueue(queue.NewCreateItem(uuid.NewString(), item)); err != nil {
			return nil, err
		}
		return &ItemResult{ItemID: item.ID, Status: item.Status, Acceptance: AcceptedPending}, nil
	}

	return c.mintIfNeeded(ctx, &item)
}

// mintIfNeeded mints the item's ledger object when it has none, then records
// the write-once object identifier in the store.
func (c *Coordinator) mintIfNeeded(ctx context.Context, item *models.Item) (*ItemResult, error) {
	if item.LedgerObjectID != nil {
		return &ItemResult{
			ItemID:         item.ID,
			LedgerObjectID: *item.LedgerObjectID,
			Status:         item.Status,
			Acceptance:     AcceptedConfirmed,
		}, nil
	}

	objectID, err := c.ledger.MintItem(ctx, item.OwnerID, ledger.ItemDescriptor{
		ItemID:         item.ID,
		TagID:          item.TagID,
		BatchID:        item.BatchID,
		ManufacturedAt: item.ManufacturedAt,
	})
	if err != nil {
		if faults.IsTransient(err) {
			return &ItemResult{ItemID: item.ID, Status: item.Status, Acceptance: AcceptedPending}, nil
		}
		return nil, err
	}

	status := models.ItemStatusInCustody
	acceptance, err := c.patchItem(ctx, item.ID, repository.ItemPatch{
		LedgerObjectID: &objectID,
		Status:         &status,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Item minted", "item", item.ID, "object", objectID)
	return &ItemResult{
		ItemID:         item.ID,
		LedgerObjectID: objectID,
		Status:         status,
		Acceptance:     acceptance,
	}, nil
}
