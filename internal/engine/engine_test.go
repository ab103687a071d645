package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/batchcache/engine/internal/store"
	"github.com/batchcache/engine/internal/wire"
)

func testEngine(t *testing.T) (*Engine, *stubExecutor) {
	t.Helper()
	reg, err := store.NewRegistry(
		store.EntityTypeDescriptor{ID: "orders", PrimaryKeyField: "id", TableName: "orders"},
	)
	require.NoError(t, err)

	db := newStubExecutor()
	cfg := Config{WalDir: t.TempDir()}
	e, err := New(cfg, reg, db, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	return e, db
}

func TestEngineRejectsSubmitBeforeInit(t *testing.T) {
	e, _ := testEngine(t)
	require.Equal(t, Uninitialized, State(e.state.Load()))

	res := e.SubmitBatch(context.Background(), wire.Batch{})
	require.False(t, res.Success)
	require.Equal(t, KindNotReady, res.ErrorKind)
}

func TestEngineInitTransitionsToReady(t *testing.T) {
	e, _ := testEngine(t)
	require.NoError(t, e.Init(context.Background()))
	require.Equal(t, Ready, State(e.state.Load()))

	h := e.Health()
	require.True(t, h.WalOK)
	require.True(t, h.DbOK)
	require.True(t, h.StoreOK)
	require.Equal(t, Ready, h.State)

	require.NoError(t, e.Shutdown(context.Background()))
	require.Equal(t, Stopped, State(e.state.Load()))
}

func TestEngineInitTwiceErrors(t *testing.T) {
	e, _ := testEngine(t)
	require.NoError(t, e.Init(context.Background()))
	defer e.Shutdown(context.Background())

	require.Error(t, e.Init(context.Background()))
}

func TestEngineSubmitBatchUpdatesStatistics(t *testing.T) {
	e, _ := testEngine(t)
	require.NoError(t, e.Init(context.Background()))
	defer e.Shutdown(context.Background())

	res := e.SubmitBatch(context.Background(), wire.Batch{Entries: []wire.Entry{
		{Tenant: "t", Table: "orders", Op: wire.OpInsert, Data: wire.Fields{"id": wire.Int64Value(1)}},
	}})
	require.True(t, res.Success)

	stats := e.Statistics()
	require.Equal(t, uint64(1), stats.BatchesTotal)
	require.Equal(t, uint64(1), stats.EntriesTotal)
	require.Equal(t, uint64(0), stats.FailedBatches)
	require.True(t, stats.ReplayComplete)
	require.GreaterOrEqual(t, stats.CommitLatencyP99MS, stats.CommitLatencyP50MS)
}

func TestEngineSubmitBatchWalErrorDegradesEngine(t *testing.T) {
	e, _ := testEngine(t)
	require.NoError(t, e.Init(context.Background()))
	defer e.Shutdown(context.Background())

	require.NoError(t, e.log.Close())

	res := e.SubmitBatch(context.Background(), wire.Batch{Entries: []wire.Entry{
		{Tenant: "t", Table: "orders", Op: wire.OpInsert, Data: wire.Fields{"id": wire.Int64Value(1)}},
	}})
	require.False(t, res.Success)
	require.Equal(t, Degraded, State(e.state.Load()))

	h := e.Health()
	require.False(t, h.WalOK)
	require.NotEmpty(t, h.LastError)
}

func TestEngineShutdownIsIdempotentAfterStop(t *testing.T) {
	e, _ := testEngine(t)
	require.NoError(t, e.Init(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, e.Shutdown(ctx))
}

func TestEngineSubmitBatchPersistsCheckpointForReplayOnRestart(t *testing.T) {
	e, db := testEngine(t)
	require.NoError(t, e.Init(context.Background()))

	res := e.SubmitBatch(context.Background(), wire.Batch{Entries: []wire.Entry{
		{Tenant: "t", Table: "orders", Op: wire.OpInsert, Data: wire.Fields{"id": wire.Int64Value(1)}},
	}})
	require.True(t, res.Success)
	require.NoError(t, e.Shutdown(context.Background()))

	require.Equal(t, res.Offset, db.checkpoints[e.cfg.ConsumerName])
}
