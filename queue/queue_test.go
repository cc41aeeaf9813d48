package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/trackware/custodyd/faults"
	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/repository/models"
)

// scriptedApplier fails operations according to a per-ID script and records
// the order of successful applications.
type scriptedApplier struct {
	mu      sync.Mutex
	errs    map[string]error
	applied []string
}

func (a *scriptedApplier) Apply(ctx context.Context, op *Operation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.errs[op.ID]; ok && err != nil {
		return err
	}
	a.applied = append(a.applied, op.ID)
	return nil
}

func (a *scriptedApplier) setErr(opID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.errs == nil {
		a.errs = make(map[string]error)
	}
	a.errs[opID] = err
}

func newTestQueue(t *testing.T, applier Applier, maxRetries int) *Queue {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := New(db, applier, maxRetries, cmtlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func updateOp(id, shipmentID string) Operation {
	status := models.ShipmentStatusApproved
	return NewUpdateShipment(id, shipmentID, repository.ShipmentPatch{Status: &status})
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q := newTestQueue(t, &scriptedApplier{}, 3)

	first, dup, err := q.Enqueue(updateOp("op-1", "SHP-1"))
	require.NoError(t, err)
	require.False(t, dup)

	second, dup, err := q.Enqueue(updateOp("op-1", "SHP-1"))
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, q.Count())
}

func TestEnqueueRejectsMalformedOperations(t *testing.T) {
	q := newTestQueue(t, &scriptedApplier{}, 3)

	testCases := []struct {
		name string
		op   Operation
	}{
		{"missing id", Operation{Kind: KindUpdateShipment, UpdateShipment: &UpdateShipmentPayload{}}},
		{"no payload", Operation{ID: "op-1", Kind: KindUpdateShipment}},
		{"payload mismatch", Operation{ID: "op-2", Kind: KindCreateItem, UpdateShipment: &UpdateShipmentPayload{}}},
		{"two payloads", Operation{
			ID: "op-3", Kind: KindCreateItem,
			CreateItem:     &CreateItemPayload{},
			UpdateShipment: &UpdateShipmentPayload{},
		}},
		{"unknown kind", Operation{ID: "op-4", Kind: Kind("drop_table"), CreateItem: &CreateItemPayload{}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := q.Enqueue(tc.op)
			require.Error(t, err)
		})
	}
	require.Equal(t, 0, q.Count())
}

func TestDrainReplaysInEnqueueOrder(t *testing.T) {
	applier := &scriptedApplier{}
	q := newTestQueue(t, applier, 3)

	for _, id := range []string{"op-1", "op-2", "op-3"} {
		_, _, err := q.Enqueue(updateOp(id, "SHP-1"))
		require.NoError(t, err)
	}

	require.NoError(t, q.Drain(context.Background()))
	require.Equal(t, []string{"op-1", "op-2", "op-3"}, applier.applied)
	require.Equal(t, 0, q.Count())
}

func TestDrainHaltsOnTransientFailure(t *testing.T) {
	applier := &scriptedApplier{}
	applier.setErr("op-1", faults.Transient("store", errors.New("connection refused")))
	q := newTestQueue(t, applier, 3)

	_, _, err := q.Enqueue(updateOp("op-1", "SHP-1"))
	require.NoError(t, err)
	_, _, err = q.Enqueue(updateOp("op-2", "SHP-2"))
	require.NoError(t, err)

	// The head fails transiently: nothing behind it may be attempted.
	require.NoError(t, q.Drain(context.Background()))
	require.Empty(t, applier.applied)
	require.Equal(t, 2, q.Count())

	applier.setErr("op-1", nil)
	require.NoError(t, q.Drain(context.Background()))
	require.Equal(t, []string{"op-1", "op-2"}, applier.applied)
	require.Equal(t, 0, q.Count())
}

func TestPermanentFailureDeadLettersAndContinues(t *testing.T) {
	applier := &scriptedApplier{}
	applier.setErr("op-1", faults.Permanent("store", errors.New("duplicate key")))
	q := newTestQueue(t, applier, 3)

	_, _, err := q.Enqueue(updateOp("op-1", "SHP-1"))
	require.NoError(t, err)
	_, _, err = q.Enqueue(updateOp("op-2", "SHP-2"))
	require.NoError(t, err)

	require.NoError(t, q.Drain(context.Background()))

	require.Equal(t, []string{"op-2"}, applier.applied)
	require.Equal(t, 0, q.Count())
	require.Equal(t, 1, q.DeadCount())

	letters, err := q.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "op-1", letters[0].Operation.ID)
	require.Contains(t, letters[0].Reason, "duplicate key")
}

func TestRetryBudgetExhaustionDeadLetters(t *testing.T) {
	applier := &scriptedApplier{}
	applier.setErr("op-1", faults.Transient("store", errors.New("timeout")))
	q := newTestQueue(t, applier, 2)

	_, _, err := q.Enqueue(updateOp("op-1", "SHP-1"))
	require.NoError(t, err)

	// Two failed attempts stay within budget, the third dead-letters.
	for i := 0; i < 2; i++ {
		require.NoError(t, q.Drain(context.Background()))
		require.Equal(t, 1, q.Count())
	}
	require.NoError(t, q.Drain(context.Background()))
	require.Equal(t, 0, q.Count())
	require.Equal(t, 1, q.DeadCount())

	letters, err := q.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, 3, letters[0].Operation.RetryCount)
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	applier := &scriptedApplier{}

	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	require.NoError(t, err)
	q, err := New(db, applier, 3, cmtlog.NewNopLogger())
	require.NoError(t, err)
	_, _, err = q.Enqueue(updateOp("op-1", "SHP-1"))
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, db.Close())

	db, err = badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()
	q, err = New(db, applier, 3, cmtlog.NewNopLogger())
	require.NoError(t, err)
	defer q.Close()

	require.Equal(t, 1, q.Count())
	require.NoError(t, q.Drain(context.Background()))
	require.Equal(t, []string{"op-1"}, applier.applied)
}
