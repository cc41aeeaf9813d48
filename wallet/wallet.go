// Package wallet implements the M-of-N approval keys that authorize custody
// transfers. Wallets and their proposed operations live in memory and are
// owned exclusively by the custody coordinator; the ledger transaction
// produced by execution is the durable artifact.
package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/trackware/custodyd/ledger"
)

// Wallet-protocol errors. None of them are retried.
var (
	ErrInvalidThreshold = errors.New("threshold outside [1, signer count]")
	ErrUnknownWallet    = errors.New("unknown wallet")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrNotASigner       = errors.New("identity is not a signer of this wallet")
	ErrAlreadyApproved  = errors.New("signer already approved")
	ErrNotYetApproved   = errors.New("operation has not reached its approval threshold")
	ErrTerminal         = errors.New("operation is in a terminal state")
)

// Operation statuses. They only move forward:
// proposed -> approved -> executed, or proposed/approved -> expired.
const (
	StatusProposed = "proposed"
	StatusApproved = "approved"
	StatusExecuted = "executed"
	StatusExpired  = "expired"
)

// Descriptor describes the ledger submission an operation authorizes.
type Descriptor struct {
	ObjectID  string      `json:"object_id"`
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload"`
}

// Hash is the operation's deterministic identifier content.
func (d Descriptor) Hash() string {
	raw, _ := json.Marshal(d)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// Wallet is an M-of-N approval key.
type Wallet struct {
	ID        string
	Signers   []string
	Threshold int
	Purpose   string
	Active    bool
	CreatedAt time.Time

	operations map[string]*operation
}

func (w *Wallet) isSigner(identity string) bool {
	for _, s := range w.Signers {
		if s == identity {
			return true
		}
	}
	return false
}

type operation struct {
	id         string
	walletID   string
	descriptor Descriptor
	approvals  map[string]time.Time
	status     string
	result     *ledger.TxResult

	// execMu serializes Execute calls on this operation; s.mu is released
	// around the ledger submission.
	execMu sync.Mutex
}

// OperationState is the caller-visible snapshot of a proposed operation.
type OperationState struct {
	ID        string           `json:"id"`
	WalletID  string           `json:"wallet_id"`
	Status    string           `json:"status"`
	Approvals []string         `json:"approvals"`
	Threshold int              `json:"threshold"`
	Result    *ledger.TxResult `json:"result,omitempty"`
}

// Service manages wallet and operation lifecycles.
type Service struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	ops     map[string]*operation
	ledger  ledger.Gateway
	logger  cmtlog.Logger
}

func NewService(lg ledger.Gateway, logger cmtlog.Logger) *Service {
	return &Service{
		wallets: make(map[string]*Wallet),
		ops:     make(map[string]*operation),
		ledger:  lg,
		logger:  logger,
	}
}

// CreateWallet registers an M-of-N wallet over the given signer identities.
// Duplicate signer identities collapse into one.
func (s *Service) CreateWallet(signers []string, threshold int, purpose string) (string, error) {
	unique := make([]string, 0, len(signers))
	seen := make(map[string]struct{}, len(signers))
	for _, signer := range signers {
		if signer == "" {
			continue
		}
		if _, dup := seen[signer]; dup {
			continue
		}
		seen[signer] = struct{}{}
		unique = append(unique, signer)
	}
	if len(unique) == 0 || threshold < 1 || threshold > len(unique) {
		return "", fmt.Errorf("%w: threshold %d, signers %d", ErrInvalidThreshold, threshold, len(unique))
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%v|%d|%s|%d", unique, threshold, purpose, time.Now().UnixNano())))
	walletID := fmt.Sprintf("WAL-%s", hex.EncodeToString(sum[:])[:16])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[walletID] = &Wallet{
		ID:         walletID,
		Signers:    unique,
		Threshold:  threshold,
		Purpose:    purpose,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
		operations: make(map[string]*operation),
	}
	s.logger.Info("Wallet created", "wallet", walletID, "signers", len(unique), "threshold", threshold)
	return walletID, nil
}

// Propose registers an operation under the wallet and returns its identifier.
func (s *Service) Propose(walletID string, descriptor Descriptor) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return "", fmt.Errorf("%s: %w", walletID, ErrUnknownWallet)
	}

	opID := fmt.Sprintf("OP-%s", descriptor.Hash())
	if _, exists := s.ops[opID]; exists {
		return opID, nil
	}
	op := &operation{
		id:         opID,
		walletID:   walletID,
		descriptor: descriptor,
		approvals:  make(map[string]time.Time),
		status:     StatusProposed,
	}
	s.ops[opID] = op
	w.operations[opID] = op
	return opID, nil
}

// Approve records one signer's approval. A duplicate approval is reported as
// ErrAlreadyApproved but leaves the operation unchanged; callers may treat it
// as benign. The operation becomes approved the moment the approval count
// reaches the wallet threshold.
func (s *Service) Approve(opID, signer string) (*OperationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[opID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", opID, ErrUnknownOperation)
	}
	w := s.wallets[op.walletID]
	if !w.isSigner(signer) {
		return s.snapshot(op), fmt.Errorf("%s on %s: %w", signer, opID, ErrNotASigner)
	}
	if op.status == StatusExecuted || op.status == StatusExpired {
		return s.snapshot(op), fmt.Errorf("%s: %w", opID, ErrTerminal)
	}
	if _, dup := op.approvals[signer]; dup {
		return s.snapshot(op), fmt.Errorf("%s on %s: %w", signer, opID, ErrAlreadyApproved)
	}

	op.approvals[signer] = time.Now().UTC()
	if op.status == StatusProposed && len(op.approvals) >= w.Threshold {
		op.status = StatusApproved
		s.logger.Info("Operation approved", "op", opID, "wallet", w.ID)
	}
	return s.snapshot(op), nil
}

// Execute submits the approved operation to the ledger. Execution happens at
// most once: concurrent calls serialize on the operation, and after a success
// repeated calls return the cached result without touching the ledger again.
func (s *Service) Execute(ctx context.Context, opID string) (*ledger.TxResult, error) {
	s.mu.Lock()
	op, ok := s.ops[opID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", opID, ErrUnknownOperation)
	}

	op.execMu.Lock()
	defer op.execMu.Unlock()

	s.mu.Lock()
	switch op.status {
	case StatusExecuted:
		result := op.result
		s.mu.Unlock()
		return result, nil
	case StatusProposed:
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", opID, ErrNotYetApproved)
	case StatusExpired:
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", opID, ErrTerminal)
	}
	descriptor := op.descriptor
	s.mu.Unlock()

	// Ledger call happens outside s.mu; approvals for other wallets must
	// not block on it.
	result, err := s.ledger.RecordEvent(ctx, descriptor.ObjectID, descriptor.EventType, descriptor.Payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if op.status != StatusExecuted {
		op.status = StatusExecuted
		op.result = result
		s.logger.Info("Operation executed", "op", opID, "tx", result.TxHash)
		s.retireIfDone(s.wallets[op.walletID])
	}
	return op.result, nil
}

// Expire marks a not-yet-executed operation terminal, e.g. when its transfer
// is cancelled.
func (s *Service) Expire(opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[opID]
	if !ok {
		return fmt.Errorf("%s: %w", opID, ErrUnknownOperation)
	}
	if op.status == StatusExecuted {
		return fmt.Errorf("%s: %w", opID, ErrTerminal)
	}
	op.status = StatusExpired
	s.retireIfDone(s.wallets[op.walletID])
	return nil
}

// Operation returns the caller-visible state of an operation.
func (s *Service) Operation(opID string) (*OperationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", opID, ErrUnknownOperation)
	}
	return s.snapshot(op), nil
}

// GetWallet returns a copy of the wallet's public fields.
func (s *Service) GetWallet(walletID string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", walletID, ErrUnknownWallet)
	}
	copied := *w
	copied.Signers = append([]string(nil), w.Signers...)
	copied.operations = nil
	return &copied, nil
}

// retireIfDone deactivates a wallet once all its operations are terminal.
// Callers hold s.mu.
func (s *Service) retireIfDone(w *Wallet) {
	if w == nil || !w.Active {
		return
	}
	for _, op := range w.operations {
		if op.status != StatusExecuted && op.status != StatusExpired {
			return
		}
	}
	w.Active = false
	s.logger.Info("Wallet retired", "wallet", w.ID)
}

// snapshot copies caller-visible operation state. Callers hold s.mu.
func (s *Service) snapshot(op *operation) *OperationState {
	approvals := make([]string, 0, len(op.approvals))
	for signer := range op.approvals {
		approvals = append(approvals, signer)
	}
	return &OperationState{
		ID:        op.id,
		WalletID:  op.walletID,
		Status:    op.status,
		Approvals: approvals,
		Threshold: s.wallets[op.walletID].Threshold,
		Result:    op.result,
	}
}
