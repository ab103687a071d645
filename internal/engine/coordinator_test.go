package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchcache/engine/internal/metadb"
	"github.com/batchcache/engine/internal/sqlexec"
	"github.com/batchcache/engine/internal/store"
	"github.com/batchcache/engine/internal/wal"
	"github.com/batchcache/engine/internal/wal/segment"
	"github.com/batchcache/engine/internal/wire"
)

func newTestLog(t *testing.T) *wal.Log {
	t.Helper()
	dir := t.TempDir()
	metaDB, err := metadb.Open(dir)
	require.NoError(t, err)
	l, err := wal.Open(dir, segment.NewFiler(dir), metaDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// newTestProducerConsumer builds a Producer and Consumer over the same
// log, mirroring how Engine.Init wires the Coordinator: both collaborators
// must share one log so CommitOffset on the Consumer reflects what the
// Producer actually appended.
func newTestProducerConsumer(t *testing.T) (*wal.Producer, *wal.Consumer) {
	t.Helper()
	l := newTestLog(t)
	p := wal.NewProducer(l, wal.FlushPerBatch, 1)
	c, err := wal.NewConsumer(l, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return p, c
}

func newTestStore(t *testing.T) (*store.Store, *store.Registry) {
	t.Helper()
	reg, err := store.NewRegistry(
		store.EntityTypeDescriptor{ID: "orders", PrimaryKeyField: "id", TableName: "orders"},
	)
	require.NoError(t, err)
	s, err := store.New(reg, store.Config{MaxTotalRecords: 1000})
	require.NoError(t, err)
	return s, reg
}

func sampleCoordinatorBatch() wire.Batch {
	return wire.Batch{
		Entries: []wire.Entry{
			{Tenant: "t", Table: "orders", Op: wire.OpInsert, Data: wire.Fields{"id": wire.Int64Value(1)}},
		},
	}
}

func TestCoordinatorSubmitBatchHappyPath(t *testing.T) {
	p, consumer := newTestProducerConsumer(t)
	db := newStubExecutor()
	st, reg := newTestStore(t)
	c := NewCoordinator(p, consumer, db, st, reg, "consumer-a", nil)

	res := c.SubmitBatch(context.Background(), sampleCoordinatorBatch())
	require.True(t, res.Success)
	require.NotEmpty(t, res.TxnID, "txn_id is auto-assigned when absent")
	require.Equal(t, 1, res.EntriesProcessed)
	require.Equal(t, 1, db.commits)
	require.Equal(t, 0, db.rollbacks)

	got, ok, err := st.Get("orders", "t", wire.Int64Value(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wire.Int64Value(1), got["id"])

	require.Equal(t, res.Offset, db.checkpoints["consumer-a"])
	require.Equal(t, res.Offset, consumer.LastCommittedOffset(), "a successful commit advances the consumer's committed offset")
}

func TestCoordinatorSubmitBatchValidationFailureShortCircuits(t *testing.T) {
	p, consumer := newTestProducerConsumer(t)
	db := newStubExecutor()
	st, reg := newTestStore(t)
	c := NewCoordinator(p, consumer, db, st, reg, "consumer-a", nil)

	res := c.SubmitBatch(context.Background(), wire.Batch{})
	require.False(t, res.Success)
	require.Equal(t, 0, db.commits)
}

func TestCoordinatorSubmitBatchDbApplyFailureRollsBack(t *testing.T) {
	p, consumer := newTestProducerConsumer(t)
	db := newStubExecutor()
	db.applyErr = errors.New("constraint violation")
	st, reg := newTestStore(t)
	c := NewCoordinator(p, consumer, db, st, reg, "consumer-a", nil)

	res := c.SubmitBatch(context.Background(), sampleCoordinatorBatch())
	require.False(t, res.Success)
	require.Equal(t, 0, db.commits)
	require.Equal(t, 1, db.rollbacks)
	require.ErrorIs(t, res.Err, db.applyErr)

	_, ok, err := st.Get("orders", "t", wire.Int64Value(1))
	require.NoError(t, err)
	require.False(t, ok, "store must not reflect an entry whose db apply failed")
	require.Zero(t, consumer.LastCommittedOffset(), "a rolled-back batch must not advance the committed offset")
}

func TestCoordinatorSubmitBatchCheckpointFailureRollsBack(t *testing.T) {
	p, consumer := newTestProducerConsumer(t)
	db := newStubExecutor()
	db.checkpointErr = errors.New("disk full")
	st, reg := newTestStore(t)
	c := NewCoordinator(p, consumer, db, st, reg, "consumer-a", nil)

	res := c.SubmitBatch(context.Background(), sampleCoordinatorBatch())
	require.False(t, res.Success)
	require.Equal(t, 0, db.commits)
	require.Equal(t, 1, db.rollbacks)
	require.Zero(t, consumer.LastCommittedOffset())
}

func TestCoordinatorSubmitBatchStoreApplyFailureAfterCommitIsStillSuccess(t *testing.T) {
	p, consumer := newTestProducerConsumer(t)
	db := newStubExecutor()
	// Store built against a registry with no "orders" descriptor: the db
	// tier accepts the batch, but the store tier can't apply it, matching
	// the Open Question decision that a post-commit store failure does
	// not flip Success.
	emptyReg, err := store.NewRegistry()
	require.NoError(t, err)
	st, err := store.New(emptyReg, store.Config{MaxTotalRecords: 100})
	require.NoError(t, err)
	c := NewCoordinator(p, consumer, db, st, emptyReg, "consumer-a", nil)

	res := c.SubmitBatch(context.Background(), sampleCoordinatorBatch())
	require.True(t, res.Success, "db already committed; store is repaired by replay on restart")
	require.Equal(t, 1, db.commits)
	require.Equal(t, res.Offset, consumer.LastCommittedOffset(), "offset still advances even though the store-tier apply failed")
}

func TestCoordinatorSubmitBatchWalAppendFailureAfterClose(t *testing.T) {
	dir := t.TempDir()
	metaDB, err := metadb.Open(dir)
	require.NoError(t, err)
	l, err := wal.Open(dir, segment.NewFiler(dir), metaDB)
	require.NoError(t, err)
	p := wal.NewProducer(l, wal.FlushPerBatch, 1)
	consumer, err := wal.NewConsumer(l, 0)
	require.NoError(t, err)
	defer consumer.Close()
	require.NoError(t, l.Close())

	db := newStubExecutor()
	st, reg := newTestStore(t)
	c := NewCoordinator(p, consumer, db, st, reg, "consumer-a", nil)

	res := c.SubmitBatch(context.Background(), sampleCoordinatorBatch())
	require.False(t, res.Success)
	require.Equal(t, KindWalError, res.ErrorKind)
	var walErr *WalError
	require.True(t, errors.As(res.Err, &walErr))
}

var _ sqlexec.Executor = (*stubExecutor)(nil)
