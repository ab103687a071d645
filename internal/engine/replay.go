package engine

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/batchcache/engine/internal/sqlexec"
	"github.com/batchcache/engine/internal/store"
	"github.com/batchcache/engine/internal/wal"
	"github.com/batchcache/engine/internal/wal/types"
	"github.com/batchcache/engine/internal/wire"
)

// Replayer is the Replay Engine (C8, spec.md §4.8): on startup it reads
// WAL segments from the last durable checkpoint and reapplies their
// entries to the Store only, since the DB is already authoritative for
// anything at or below that checkpoint.
type Replayer struct {
	consumer     *wal.Consumer
	db           sqlexec.Executor
	store        *store.Store
	consumerName string
	batchSize    int
	checkpointM  int
	logger       log.Logger
}

// NewReplayer builds a Replayer over its collaborators.
func NewReplayer(consumer *wal.Consumer, db sqlexec.Executor, st *store.Store, consumerName string, batchSize, checkpointEveryM int, logger log.Logger) *Replayer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Replayer{
		consumer:     consumer,
		db:           db,
		store:        st,
		consumerName: consumerName,
		batchSize:    batchSize,
		checkpointM:  checkpointEveryM,
		logger:       logger,
	}
}

// Run drives the startup state machine's Replaying phase: seek to the last
// durable checkpoint, then repeatedly read and apply batches to the Store
// until the log is caught up. It returns the final offset it replayed
// through (0 if the log was empty).
func (r *Replayer) Run(ctx context.Context) (types.Offset, error) {
	last, ok, err := r.db.LoadCheckpoint(ctx, r.consumerName)
	if err != nil {
		return 0, fmt.Errorf("replay: load checkpoint: %w", err)
	}
	if !ok {
		last = 0
	}
	if err := r.consumer.SeekTo(last); err != nil {
		return 0, fmt.Errorf("replay: seek to %s: %w", last, err)
	}

	cursorOffset := last
	sinceCheckpoint := 0

	for {
		if err := ctx.Err(); err != nil {
			return cursorOffset, err
		}
		batches, err := r.consumer.ReadNextBatch(r.batchSize)
		if err != nil {
			return cursorOffset, fmt.Errorf("replay: read batch: %w", err)
		}
		if len(batches) == 0 {
			break
		}

		for _, db := range batches {
			unlock, err := r.store.LockTypes(entryTables(db.Batch.Entries))
			if err != nil {
				level.Error(r.logger).Log("msg", "replay lock failed", "txn_id", db.Batch.TxnID, "err", err)
				continue
			}
			for _, entry := range db.Batch.Entries {
				warning, err := r.store.ApplyEntryIdempotent(entry)
				if err != nil {
					level.Error(r.logger).Log("msg", "replay apply failed", "txn_id", db.Batch.TxnID, "err", err)
					continue
				}
				if warning != "" {
					level.Warn(r.logger).Log("msg", warning, "txn_id", db.Batch.TxnID)
				}
			}
			unlock()
			cursorOffset = db.Offset
			sinceCheckpoint++

			if sinceCheckpoint >= r.checkpointM {
				if err := r.db.StoreCheckpoint(ctx, nil, r.consumerName, cursorOffset); err != nil {
					level.Error(r.logger).Log("msg", "periodic checkpoint failed", "err", err)
				} else {
					sinceCheckpoint = 0
				}
			}
		}
	}

	if sinceCheckpoint > 0 {
		if err := r.db.StoreCheckpoint(ctx, nil, r.consumerName, cursorOffset); err != nil {
			return cursorOffset, fmt.Errorf("replay: final checkpoint: %w", err)
		}
	}

	r.consumer.CommitOffset(cursorOffset)
	return cursorOffset, nil
}

func entryTables(entries []wire.Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Table]; !ok {
			seen[e.Table] = struct{}{}
			out = append(out, e.Table)
		}
	}
	return out
}
