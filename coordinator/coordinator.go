// Package coordinator orchestrates custody transfers end to end: wallet
// proposal, threshold approval, ledger execution and the durable-store
// mirror, falling back to the pending queue when connectivity degrades.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"

	"github.com/trackware/custodyd/faults"
	"github.com/trackware/custodyd/ledger"
	"github.com/trackware/custodyd/metrics"
	"github.com/trackware/custodyd/queue"
	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/repository/models"
	"github.com/trackware/custodyd/wallet"
)

// Coordinator errors surfaced to callers. None of them are retried.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid shipment transition")
	ErrShipmentConflict  = errors.New("item already has an active shipment")
)

// Acceptance distinguishes optimistic from ledger/store-confirmed results so
// callers can render the difference.
type Acceptance string

const (
	AcceptedConfirmed Acceptance = "confirmed"
	AcceptedPending   Acceptance = "pending"
)

// Store is the durable-store surface the coordinator needs.
type Store interface {
	GetItem(ctx context.Context, itemID string) (*models.Item, error)
	GetItemByTag(ctx context.Context, tagID string) (*models.Item, error)
	CreateItem(ctx context.Context, item *models.Item) error
	UpdateItemFields(ctx context.Context, itemID string, patch repository.ItemPatch) error
	CreateShipment(ctx context.Context, shipment *models.Shipment) error
	GetShipment(ctx context.Context, shipmentID string) (*models.Shipment, error)
	UpdateShipmentFields(ctx context.Context, shipmentID string, patch repository.ShipmentPatch) error
	ActiveShipmentForItem(ctx context.Context, itemID string) (*models.Shipment, error)
}

// Health reports whether mutations should be queued rather than applied
// synchronously.
type Health interface {
	IsDegraded() bool
}

// PendingQueue is the slice of the queue the coordinator enqueues into.
type PendingQueue interface {
	Enqueue(op queue.Operation) (*queue.Operation, bool, error)
}

// Coordinator owns the ThresholdWallet and ProposedOperation lifecycles and
// shares Item/Shipment records with the durable store.
type Coordinator struct {
	store   Store
	ledger  ledger.Gateway
	wallets *wallet.Service
	pending PendingQueue
	health  Health
	logger  cmtlog.Logger

	locks keyedLocks
}

func New(store Store, lg ledger.Gateway, wallets *wallet.Service, pending PendingQueue, health Health, logger cmtlog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		ledger:  lg,
		wallets: wallets,
		pending: pending,
		health:  health,
		logger:  logger,
		locks:   keyedLocks{held: make(map[string]*sync.Mutex)},
	}
}

// keyedLocks serializes mutations per entity: no two concurrent callers may
// advance the same shipment's state machine at once.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.held[key]
	if !ok {
		m = &sync.Mutex{}
		k.held[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// TransferResult reports the outcome of a custody-transfer operation.
type TransferResult struct {
	ShipmentID  string                 `json:"shipment_id"`
	ItemID      string                 `json:"item_id"`
	WalletID    string                 `json:"wallet_id"`
	OperationID string                 `json:"operation_id"`
	Status      string                 `json:"status"`
	Acceptance  Acceptance             `json:"acceptance"`
	TxHash      string                 `json:"tx_hash,omitempty"`
	Approval    *wallet.OperationState `json:"approval,omitempty"`
}

// transferPayload is the ledger event body for a custody transfer.
type transferPayload struct {
	ShipmentID string `json:"shipment_id"`
	ItemID     string `json:"item_id"`
	FromParty  string `json:"from_party"`
	ToParty    string `json:"to_party"`
	ToLocation string `json:"to_location"`
}

// ledgerObjectOf prefers the minted object identifier, falling back to the
// item identifier for items not yet minted (the ledger will reject those and
// the rejection surfaces as a permanent error to the approver).
func ledgerObjectOf(item *models.Item) string {
	if item.LedgerObjectID != nil {
		return *item.LedgerObjectID
	}
	return item.ID
}

// InitiateTransfer creates a shipment in `requested`, an ephemeral two-party
// 2-of-2 wallet scoped to the transfer and the proposed custody operation.
// The item record must be readable; the conflict invariant (one non-terminal
// shipment per item) cannot be checked blind.
func (c *Coordinator) InitiateTransfer(ctx context.Context, itemID, toParty, toLocation, notes string) (*TransferResult, error) {
	if itemID == "" || toParty == "" {
		return nil, fmt.Errorf("%w: item and destination party are required", ErrInvalidInput)
	}

	unlock := c.locks.lock("item:" + itemID)
	defer unlock()

	item, err := c.store.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown item %s", ErrInvalidInput, itemID)
		}
		return nil, err
	}
	if item.Status == models.ItemStatusInactive {
		return nil, fmt.Errorf("%w: item %s is inactive", ErrInvalidInput, itemID)
	}
	if toParty == item.CustodianID {
		return nil, fmt.Errorf("%w: item %s is already held by %s", ErrInvalidInput, itemID, toParty)
	}

	if active, err := c.store.ActiveShipmentForItem(ctx, itemID); err == nil {
		return nil, fmt.Errorf("%w: shipment %s is %s", ErrShipmentConflict, active.ID, active.Status)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	shipmentID := fmt.Sprintf("SHP-%s", uuid.NewString()[:8])
	walletID, err := c.wallets.CreateWallet(
		[]string{item.CustodianID, toParty}, 2, "custody-transfer:"+shipmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	opID, err := c.wallets.Propose(walletID, wallet.Descriptor{
		ObjectID:  ledgerObjectOf(item),
		EventType: ledger.EventCustodyTransfer,
		Payload: transferPayload{
			ShipmentID: shipmentID,
			ItemID:     itemID,
			FromParty:  item.CustodianID,
			ToParty:    toParty,
			ToLocation: toLocation,
		},
	})
	if err != nil {
		return nil, err
	}

	shipment := models.Shipment{
		ID:           shipmentID,
		ItemID:       itemID,
		FromParty:    item.CustodianID,
		ToParty:      toParty,
		FromLocation: item.Location,
		ToLocation:   toLocation,
		Status:       models.ShipmentStatusRequested,
		Notes:        notes,
		WalletID:     walletID,
		OperationID:  opID,
	}

	acceptance := AcceptedConfirmed
	if c.health.IsDegraded() {
		if err := c.enqueue(queue.NewCreateShipment(uuid.NewString(), shipment)); err != nil {
			return nil, err
		}
		acceptance = AcceptedPending
	} else if err := c.store.CreateShipment(ctx, &shipment); err != nil {
		if !faults.IsTransient(err) {
			return nil, err
		}
		if err := c.enqueue(queue.NewCreateShipment(uuid.NewString(), shipment)); err != nil {
			return nil, err
		}
		acceptance = AcceptedPending
	}

	metrics.TransfersInitiatedTotal.Inc()
	c.logger.Info("Transfer initiated",
		"shipment", shipmentID, "item", itemID, "from", item.CustodianID, "to", toParty)

	return &TransferResult{
		ShipmentID:  shipmentID,
		ItemID:      itemID,
		WalletID:    walletID,
		OperationID: opID,
		Status:      shipment.Status,
		Acceptance:  acceptance,
	}, nil
}

// ApproveTransfer records one party's approval. When the threshold is met
// the shipment advances to `approved`, the wallet operation is executed
// against the ledger and, on success, the shipment advances to `shipped`
// with the item's custodian and location updated in the store. A duplicate
// approval is benign and re-drives execution if it is still outstanding.
func (c *Coordinator) ApproveTransfer(ctx context.Context, shipmentID, signer string) (*TransferResult, error) {
	unlock := c.locks.lock("shipment:" + shipmentID)
	defer unlock()

	shipment, err := c.store.GetShipment(ctx, shipmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown shipment %s", ErrInvalidInput, shipmentID)
		}
		return nil, err
	}
	if shipment.Status != models.ShipmentStatusRequested && shipment.Status != models.ShipmentStatusApproved {
		return nil, fmt.Errorf("%w: cannot approve shipment in %s", ErrInvalidTransition, shipment.Status)
	}

	opState, err := c.wallets.Approve(shipment.OperationID, signer)
	if err != nil && !errors.Is(err, wallet.ErrAlreadyApproved) {
		return nil, err
	}

	result := &TransferResult{
		ShipmentID:  shipment.ID,
		ItemID:      shipment.ItemID,
		WalletID:    shipment.WalletID,
		OperationID: shipment.OperationID,
		Status:      shipment.Status,
		Acceptance:  AcceptedConfirmed,
		Approval:    opState,
	}
	if opState.Status == wallet.StatusProposed {
		// Below threshold; nothing further to drive.
		return result, nil
	}

	if shipment.Status == models.ShipmentStatusRequested {
		acceptance, err := c.patchShipment(ctx, shipment.ID, repository.ShipmentPatch{
			Status: ptr(models.ShipmentStatusApproved),
		})
		if err != nil {
			return nil, err
		}
		shipment.Status = models.ShipmentStatusApproved
		result.Status = shipment.Status
		result.Acceptance = acceptance
	}

	txResult, err := c.wallets.Execute(ctx, shipment.OperationID)
	if err != nil {
		if faults.IsTransient(err) {
			// Ledger unreachable: the operation stays approved and the next
			// approval call retries execution. Status never regresses.
			result.Acceptance = AcceptedPending
			return result, nil
		}
		return nil, err
	}
	result.TxHash = txResult.TxHash

	// Ledger has confirmed custody; mirror it in the store, queueing the
	// writes if the store is unreachable.
	acceptance, err := c.patchShipment(ctx, shipment.ID, repository.ShipmentPatch{
		Status: ptr(models.ShipmentStatusShipped),
		TxHash: ptr(txResult.TxHash),
	})
	if err != nil {
		return nil, err
	}
	result.Status = models.ShipmentStatusShipped
	result.Acceptance = acceptance

	itemAcceptance, err := c.patchItem(ctx, shipment.ItemID, repository.ItemPatch{
		CustodianID: ptr(shipment.ToParty),
		Location:    ptr(shipment.ToLocation),
		Status:      ptr(models.ItemStatusInTransit),
	})
	if err != nil {
		return nil, err
	}
	if itemAcceptance == AcceptedPending {
		result.Acceptance = AcceptedPending
	}

	c.logger.Info("Transfer executed on ledger",
		"shipment", shipment.ID, "tx", txResult.TxHash, "acceptance", string(result.Acceptance))
	return result, nil
}

// CompleteDelivery records the delivery ledger event and advances the
// shipment from `shipped` to `delivered`.
func (c *Coordinator) CompleteDelivery(ctx context.Context, shipmentID, location string) (*TransferResult, error) {
	unlock := c.locks.lock("shipment:" + shipmentID)
	defer unlock()

	shipment, err := c.store.GetShipment(ctx, shipmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown shipment %s", ErrInvalidInput, shipmentID)
		}
		return nil, err
	}
	if shipment.Status != models.ShipmentStatusShipped {
		return nil, fmt.Errorf("%w: delivery requires shipped, shipment is %s", ErrInvalidTransition, shipment.Status)
	}

	item, err := c.store.GetItem(ctx, shipment.ItemID)
	if err != nil {
		return nil, err
	}

	// The ledger event is the authoritative delivery record; without it the
	// shipment does not advance.
	txResult, err := c.ledger.RecordEvent(ctx, ledgerObjectOf(item), ledger.EventDelivery, map[string]string{
		"shipment_id": shipment.ID,
		"location":    location,
	})
	if err != nil {
		return nil, err
	}

	acceptance, err := c.patchShipment(ctx, shipment.ID, repository.ShipmentPatch{
		Status:     ptr(models.ShipmentStatusDelivered),
		ToLocation: ptr(location),
	})
	if err != nil {
		return nil, err
	}
	itemAcceptance, err := c.patchItem(ctx, shipment.ItemID, repository.ItemPatch{
		Location: ptr(location),
	})
	if err != nil {
		return nil, err
	}
	if itemAcceptance == AcceptedPending {
		acceptance = AcceptedPending
	}

	return &TransferResult{
		ShipmentID:  shipment.ID,
		ItemID:      shipment.ItemID,
		WalletID:    shipment.WalletID,
		OperationID: shipment.OperationID,
		Status:      models.ShipmentStatusDelivered,
		Acceptance:  acceptance,
		TxHash:      txResult.TxHash,
	}, nil
}

// ConfirmDelivery is the receiving party's explicit confirmation, advancing
// `delivered` to the terminal `confirmed`.
func (c *Coordinator) ConfirmDelivery(ctx context.Context, shipmentID, confirmingParty string) (*TransferResult, error) {
	unlock := c.locks.lock("shipment:" + shipmentID)
	defer unlock()

	shipment, err := c.store.GetShipment(ctx, shipmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown shipment %s", ErrInvalidInput, shipmentID)
		}
		return nil, err
	}
	if shipment.Status != models.ShipmentStatusDelivered {
		return nil, fmt.Errorf("%w: confirmation requires delivered, shipment is %s", ErrInvalidTransition, shipment.Status)
	}
	if confirmingParty != shipment.ToParty {
		return nil, fmt.Errorf("%w: only %s may confirm shipment %s", ErrInvalidInput, shipment.ToParty, shipment.ID)
	}

	acceptance, err := c.patchShipment(ctx, shipment.ID, repository.ShipmentPatch{
		Status: ptr(models.ShipmentStatusConfirmed),
	})
	if err != nil {
		return nil, err
	}
	itemAcceptance, err := c.patchItem(ctx, shipment.ItemID, repository.ItemPatch{
		Status: ptr(models.ItemStatusInCustody),
	})
	if err != nil {
		return nil, err
	}
	if itemAcceptance == AcceptedPending {
		acceptance = AcceptedPending
	}

	metrics.TransfersConfirmedTotal.Inc()
	c.logger.Info("Transfer confirmed", "shipment", shipment.ID, "by", confirmingParty)

	return &TransferResult{
		ShipmentID:  shipment.ID,
		ItemID:      shipment.ItemID,
		WalletID:    shipment.WalletID,
		OperationID: shipment.OperationID,
		Status:      models.ShipmentStatusConfirmed,
		Acceptance:  acceptance,
	}, nil
}

// CancelTransfer aborts a shipment still in `requested` or `approved` and
// expires its wallet operation.
func (c *Coordinator) CancelTransfer(ctx context.Context, shipmentID, reason string) (*TransferResult, error) {
	unlock := c.locks.lock("shipment:" + shipmentID)
	defer unlock()

	shipment, err := c.store.GetShipment(ctx, shipmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown shipment %s", ErrInvalidInput, shipmentID)
		}
		return nil, err
	}
	if shipment.Status != models.ShipmentStatusRequested && shipment.Status != models.ShipmentStatusApproved {
		return nil, fmt.Errorf("%w: cannot cancel shipment in %s", ErrInvalidTransition, shipment.Status)
	}

	if err := c.wallets.Expire(shipment.OperationID); err != nil && !errors.Is(err, wallet.ErrUnknownOperation) {
		return nil, err
	}

	notes := shipment.Notes
	if reason != "" {
		notes = fmt.Sprintf("%s\ncancelled: %s", notes, reason)
	}
	acceptance, err := c.patchShipment(ctx, shipment.ID, repository.ShipmentPatch{
		Status: ptr(models.ShipmentStatusCancelled),
		Notes:  ptr(notes),
	})
	if err != nil {
		return nil, err
	}

	return &TransferResult{
		ShipmentID:  shipment.ID,
		ItemID:      shipment.ItemID,
		WalletID:    shipment.WalletID,
		OperationID: shipment.OperationID,
		Status:      models.ShipmentStatusCancelled,
		Acceptance:  acceptance,
	}, nil
}

// patchShipment applies a shipment patch synchronously, queueing it when the
// store is degraded or the write fails transiently.
func (c *Coordinator) patchShipment(ctx context.Context, shipmentID string, patch repository.ShipmentPatch) (Acceptance, error) {
	if c.health.IsDegraded() {
		if err := c.enqueue(queue.NewUpdateShipment(uuid.NewString(), shipmentID, patch)); err != nil {
			return "", err
		}
		return AcceptedPending, nil
	}
	if err := c.store.UpdateShipmentFields(ctx, shipmentID, patch); err != nil {
		if !faults.IsTransient(err) {
			return "", err
		}
		if err := c.enqueue(queue.NewUpdateShipment(uuid.NewString(), shipmentID, patch)); err != nil {
			return "", err
		}
		return AcceptedPending, nil
	}
	return AcceptedConfirmed, nil
}

// patchItem mirrors patchShipment for item records.
func (c *Coordinator) patchItem(ctx context.Context, itemID string, patch repository.ItemPatch) (Acceptance, error) {
	if c.health.IsDegraded() {
		if err := c.enqueue(queue.NewUpdateItem(uuid.NewString(), itemID, patch)); err != nil {
			return "", err
		}
		return AcceptedPending, nil
	}
	if err := c.store.UpdateItemFields(ctx, itemID, patch); err != nil {
		if !faults.IsTransient(err) {
			return "", err
		}
		if err := c.enqueue(queue.NewUpdateItem(uuid.NewString(), itemID, patch)); err != nil {
			return "", err
		}
		return AcceptedPending, nil
	}
	return AcceptedConfirmed, nil
}

func (c *Coordinator) enqueue(op queue.Operation) error {
	_, _, err := c.pending.Enqueue(op)
	return err
}

func ptr[T any](v T) *T {
	return &v
}
