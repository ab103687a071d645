package engine

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/batchcache/engine/internal/sqlexec"
	"github.com/batchcache/engine/internal/store"
	"github.com/batchcache/engine/internal/wal"
	"github.com/batchcache/engine/internal/wal/types"
	"github.com/batchcache/engine/internal/wire"
)

// Result is the structured outcome of a submitted batch, per spec.md §6.
type Result struct {
	Success          bool
	TxnID            string
	Offset           types.Offset
	EntriesProcessed int
	ErrorKind        ErrorKind
	Err              error
}

// Coordinator is the Commit Coordinator (C7): it drives the
// WAL-append -> DB-transaction -> Store-apply pipeline with all-or-nothing
// semantics across the three tiers, per spec.md §4.7.
type Coordinator struct {
	producer     *wal.Producer
	consumer     *wal.Consumer
	db           sqlexec.Executor
	store        *store.Store
	registry     *store.Registry
	consumerName string
	logger       log.Logger
}

// NewCoordinator builds a Coordinator over its collaborators. consumer is
// the same Consumer the Replay Engine seeks on startup; SubmitBatch
// advances its committed offset so a clean Shutdown persists the true
// latest offset rather than the replay-end one.
func NewCoordinator(producer *wal.Producer, consumer *wal.Consumer, db sqlexec.Executor, st *store.Store, registry *store.Registry, consumerName string, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Coordinator{producer: producer, consumer: consumer, db: db, store: st, registry: registry, consumerName: consumerName, logger: logger}
}

// SubmitBatch runs the happy-path protocol and failure matrix from
// spec.md §4.7. ctx's deadline bounds Steps 3/4 (spec.md §5). Expiry before
// the WAL append yields Timeout with no side effects; expiry after the append
// but before Step 3 yields Timeout with the batch left in the WAL; expiry
// during Steps 3/4 fails the DB call and the transaction is rolled back.
func (c *Coordinator) SubmitBatch(ctx context.Context, batch wire.Batch) Result {
	// Step 1: assign txn_id if absent; stamp wall_time_ms.
	if batch.TxnID == "" {
		batch.TxnID = uuid.NewString()
	}
	batch.WallTimeMS = time.Now().UnixMilli()

	if err := batch.Validate(); err != nil {
		return failure(batch.TxnID, 0, err)
	}

	if err := ctx.Err(); err != nil {
		return failure(batch.TxnID, 0, &TimeoutError{Stage: "pre-wal"})
	}

	// Step 2: durable WAL append.
	offset, err := c.producer.Append(batch)
	if err != nil {
		return failure(batch.TxnID, 0, &WalError{Kind: WalIo, Err: err})
	}

	if err := ctx.Err(); err != nil {
		// Deadline already passed before the DB step; the batch is
		// durable in the WAL (Replay will pick it up) but the caller is
		// told it did not complete this round trip.
		return failure(batch.TxnID, offset, &TimeoutError{Stage: "pre-db"})
	}

	// Steps 3/4: atomic DB transaction, including the checkpoint advance
	// in the same transaction (spec.md §4.7's fix for Open Question (b)).
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return failure(batch.TxnID, offset, err)
	}
	for _, entry := range batch.Entries {
		if err := c.db.Apply(ctx, tx, entry); err != nil {
			if rerr := c.db.Rollback(ctx, tx); rerr != nil {
				level.Error(c.logger).Log("msg", "rollback failed", "err", rerr)
			}
			return failure(batch.TxnID, offset, err)
		}
	}
	if err := c.db.StoreCheckpoint(ctx, tx, c.consumerName, offset); err != nil {
		if rerr := c.db.Rollback(ctx, tx); rerr != nil {
			level.Error(c.logger).Log("msg", "rollback failed", "err", rerr)
		}
		return failure(batch.TxnID, offset, err)
	}
	if err := c.db.Commit(ctx, tx); err != nil {
		return failure(batch.TxnID, offset, err)
	}
	c.consumer.CommitOffset(offset)

	// Step 5: apply to the Store under one exclusive lock spanning every
	// entity type the batch touches, so a multi-table batch never exposes
	// a partial mid-batch state to readers.
	touched := touchedTypes(batch)
	unlock, err := c.store.LockTypes(touched)
	if err != nil {
		// DB already committed; the batch is durable even though the
		// in-memory store couldn't be updated (e.g. an entity type the
		// Store doesn't know about). Replay will populate it on restart.
		level.Error(c.logger).Log("msg", "store lock failed after db commit", "txn_id", batch.TxnID, "err", err)
		return Result{Success: true, TxnID: batch.TxnID, Offset: offset, EntriesProcessed: len(batch.Entries)}
	}
	for _, entry := range batch.Entries {
		if err := c.store.ApplyEntry(entry); err != nil {
			level.Error(c.logger).Log("msg", "store apply failed after db commit", "txn_id", batch.TxnID, "err", err)
		}
	}
	unlock()

	return Result{Success: true, TxnID: batch.TxnID, Offset: offset, EntriesProcessed: len(batch.Entries)}
}

func touchedTypes(batch wire.Batch) []string {
	seen := make(map[string]struct{}, len(batch.Entries))
	out := make([]string, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		if _, ok := seen[e.Table]; !ok {
			seen[e.Table] = struct{}{}
			out = append(out, e.Table)
		}
	}
	return out
}

func failure(txnID string, offset types.Offset, err error) Result {
	return Result{
		Success:   false,
		TxnID:     txnID,
		Offset:    offset,
		ErrorKind: classifyErrorKind(err),
		Err:       err,
	}
}

