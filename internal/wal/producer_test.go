package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchcache/engine/internal/wire"
)

func sampleWalBatch(txnID string) wire.Batch {
	return wire.Batch{
		TxnID:      txnID,
		WallTimeMS: 1,
		Entries: []wire.Entry{
			{Tenant: "t", Table: "orders", Op: wire.OpInsert, Data: wire.Fields{"id": wire.Int64Value(1)}},
		},
	}
}

func TestProducerAppendRejectsInvalidBatch(t *testing.T) {
	l := openTestLog(t)
	p := NewProducer(l, FlushPerBatch, 1)

	_, err := p.Append(wire.Batch{})
	require.Error(t, err)
}

func TestProducerAppendAndDecode(t *testing.T) {
	l := openTestLog(t)
	p := NewProducer(l, FlushPerBatch, 1)

	offset, err := p.Append(sampleWalBatch("txn-1"))
	require.NoError(t, err)

	cur, err := l.OpenCursor(offset)
	require.NoError(t, err)
	defer cur.Close()

	_, raw, err := cur.Next()
	require.NoError(t, err)
	require.NotEmpty(t, raw)
}

func TestProducerFlushEveryN(t *testing.T) {
	l := openTestLog(t)
	p := NewProducer(l, FlushEveryN, 2)

	_, err := p.Append(sampleWalBatch("a"))
	require.NoError(t, err)
	require.Equal(t, 1, p.sinceFl)

	_, err = p.Append(sampleWalBatch("b"))
	require.NoError(t, err)
	require.Equal(t, 0, p.sinceFl, "flush resets the counter on the Nth append")
}
