// Package queue is the durable pending-operation queue: a FIFO, idempotent
// log of mutations awaiting application to the durable store and/or ledger.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"

	"github.com/trackware/custodyd/faults"
	"github.com/trackware/custodyd/metrics"
)

// Badger keyspaces. Sequence-numbered queue keys sort lexicographically in
// enqueue order.
var (
	prefixQueue = []byte("queue:")
	prefixOpID  = []byte("opid:")
	prefixDead  = []byte("dead:")
	seqKey      = []byte("queue-seq")
)

// DeadLetter is a terminally failed operation kept for operator inspection.
type DeadLetter struct {
	Operation Operation `json:"operation"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// Queue persists pending operations in badger and replays them strictly in
// enqueue order. One drain runs at a time; concurrent triggers coalesce.
type Queue struct {
	db         *badger.DB
	seq        *badger.Sequence
	applier    Applier
	logger     cmtlog.Logger
	maxRetries int

	draining atomic.Bool
}

func New(db *badger.DB, applier Applier, maxRetries int, logger cmtlog.Logger) (*Queue, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	seq, err := db.GetSequence(seqKey, 64)
	if err != nil {
		return nil, fmt.Errorf("opening queue sequence: %w", err)
	}
	q := &Queue{
		db:         db,
		seq:        seq,
		applier:    applier,
		logger:     logger,
		maxRetries: maxRetries,
	}
	metrics.PendingOperations.Set(float64(q.Count()))
	return q, nil
}

// Close releases the badger sequence. The badger handle itself belongs to
// the caller.
func (q *Queue) Close() error {
	return q.seq.Release()
}

func queueKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixQueue, seq))
}

func deadKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixDead, seq))
}

func opIDKey(id string) []byte {
	return append(append([]byte{}, prefixOpID...), id...)
}

// Enqueue appends op to the tail of the queue. If an operation with the same
// identifier already exists the stored record is returned unchanged
// (idempotent enqueue).
func (q *Queue) Enqueue(op Operation) (*Operation, bool, error) {
	if err := op.Validate(); err != nil {
		return nil, false, err
	}

	var existing *Operation
	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(opIDKey(op.ID))
		if err == nil {
			keyBytes, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			stored, err := txn.Get(keyBytes)
			if err != nil {
				return err
			}
			return stored.Value(func(val []byte) error {
				existing = &Operation{}
				return json.Unmarshal(val, existing)
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq, err := q.seq.Next()
		if err != nil {
			return err
		}
		op.EnqueuedAt = time.Now().UTC()
		buf, err := json.Marshal(&op)
		if err != nil {
			return err
		}
		key := queueKey(seq)
		if err := txn.Set(key, buf); err != nil {
			return err
		}
		return txn.Set(opIDKey(op.ID), key)
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	if existing != nil {
		return existing, true, nil
	}

	metrics.OperationsQueuedTotal.Inc()
	metrics.PendingOperations.Set(float64(q.Count()))
	q.logger.Info("Operation queued", "op", op.ID, "kind", string(op.Kind))
	return &op, false, nil
}

// Drain replays queued operations strictly in enqueue order. A transient
// failure that is not yet out of retry budget halts the pass so nothing
// behind it is attempted out of order; permanent failures and exhausted
// operations are dead-lettered and the pass continues. A second trigger
// while a drain runs is a no-op.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer q.draining.Store(false)
	metrics.DrainRunsTotal.Inc()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		key, op, ok, err := q.head()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		applyErr := q.applier.Apply(ctx, op)
		if applyErr == nil {
			if err := q.remove(key, op.ID); err != nil {
				return err
			}
			q.logger.Info("Operation replayed", "op", op.ID, "kind", string(op.Kind))
			continue
		}

		if faults.IsPermanent(applyErr) {
			// Permanent rejections skip the retry budget entirely.
			if err := q.deadLetter(key, op, applyErr); err != nil {
				return err
			}
			continue
		}

		op.RetryCount++
		if op.RetryCount > q.maxRetries {
			if err := q.deadLetter(key, op, applyErr); err != nil {
				return err
			}
			continue
		}
		if err := q.put(key, op); err != nil {
			return err
		}
		q.logger.Info("Drain halted on transient failure",
			"op", op.ID, "retries", op.RetryCount, "err", applyErr)
		break
	}

	metrics.PendingOperations.Set(float64(q.Count()))
	return nil
}

// Run drains on the monitor's resume signal and on a timer until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context, resume <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resume:
		case <-ticker.C:
		}
		if err := q.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("Queue drain failed", "err", err)
		}
	}
}

// head returns the oldest queued operation.
func (q *Queue) head() ([]byte, *Operation, bool, error) {
	var key []byte
	var op Operation
	found := false

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixQueue
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		key = item.KeyCopy(nil)
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &op)
		})
	})
	if err != nil {
		return nil, nil, false, err
	}
	if !found {
		return nil, nil, false, nil
	}
	return key, &op, true, nil
}

func (q *Queue) put(key []byte, op *Operation) error {
	buf, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

func (q *Queue) remove(key []byte, opID string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(opIDKey(opID))
	})
}

// deadLetter moves the operation out of the queue into the dead-letter
// keyspace and reports it through the operator surface, not to the original
// caller, who already received an optimistic acceptance.
func (q *Queue) deadLetter(key []byte, op *Operation, cause error) error {
	dead := DeadLetter{Operation: *op, Reason: cause.Error(), FailedAt: time.Now().UTC()}
	buf, err := json.Marshal(&dead)
	if err != nil {
		return err
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		// Reuse the queue sequence position so dead letters keep order.
		dk := append(append([]byte{}, prefixDead...), key[len(prefixQueue):]...)
		if err := txn.Set(dk, buf); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(opIDKey(op.ID))
	})
	if err != nil {
		return err
	}

	metrics.DeadLetterTotal.Inc()
	q.logger.Error("Operation dead-lettered",
		"op", op.ID, "kind", string(op.Kind), "retries", op.RetryCount, "cause", cause)
	return nil
}

// Count returns the number of queued (not dead-lettered) operations.
func (q *Queue) Count() int {
	return q.countPrefix(prefixQueue)
}

// DeadCount returns the number of dead-lettered operations.
func (q *Queue) DeadCount() int {
	return q.countPrefix(prefixDead)
}

func (q *Queue) countPrefix(prefix []byte) int {
	count := 0
	_ = q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count
}

// DeadLetters lists terminally failed operations in their original order.
func (q *Queue) DeadLetters() ([]DeadLetter, error) {
	var letters []DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixDead
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var dead DeadLetter
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dead)
			})
			if err != nil {
				return err
			}
			letters = append(letters, dead)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return letters, nil
}
