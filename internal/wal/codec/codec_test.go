package codec

import (
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/batchcache/engine/internal/wire"
)

func sampleBatch() wire.Batch {
	return wire.Batch{
		TxnID:      "txn-1",
		WallTimeMS: 1700000000000,
		Entries: []wire.Entry{
			{
				Tenant: "tenant-a",
				Table:  "orders",
				Op:     wire.OpInsert,
				Data: wire.Fields{
					"id":     wire.Int64Value(42),
					"amount": wire.Float64Value(19.99),
					"note":   wire.StringValue("first order"),
					"void":   wire.Null(),
					"rush":   wire.BoolValue(true),
				},
			},
			{
				Tenant: "tenant-a",
				Table:  "orders",
				Op:     wire.OpDelete,
				Data: wire.Fields{
					"id": wire.Int64Value(7),
				},
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := sampleBatch()
	raw, err := Encode(b)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, b.TxnID, got.TxnID)
	require.Equal(t, b.WallTimeMS, got.WallTimeMS)
	require.Len(t, got.Entries, len(b.Entries))
	for i, e := range b.Entries {
		require.Equal(t, e.Tenant, got.Entries[i].Tenant)
		require.Equal(t, e.Table, got.Entries[i].Table)
		require.Equal(t, e.Op, got.Entries[i].Op)
		require.Equal(t, e.Data, got.Entries[i].Data)
	}
}

func TestDecodeTruncated(t *testing.T) {
	raw, err := Encode(sampleBatch())
	require.NoError(t, err)

	for cut := 0; cut < 4; cut++ {
		_, err := Decode(raw[:cut])
		require.Error(t, err)
		require.True(t, IsCodecError(err, "Truncated"))
	}
}

func TestDecodeBadMagic(t *testing.T) {
	raw, err := Encode(sampleBatch())
	require.NoError(t, err)
	raw[0] ^= 0xFF

	_, err = Decode(raw)
	require.Error(t, err)
	require.True(t, IsCodecError(err, "BadMagic"))
}

func TestDecodeUnknownOp(t *testing.T) {
	raw, err := Encode(wire.Batch{
		TxnID:      "txn-2",
		WallTimeMS: 1,
		Entries: []wire.Entry{
			{Tenant: "t", Table: "x", Op: wire.OpInsert, Data: wire.Fields{}},
		},
	})
	require.NoError(t, err)

	opByteOffset := 4 + 2 + 2 + len("txn-2") + 8 + 4 + 2 + len("t") + 2 + len("x")
	raw[opByteOffset] = 0xEE

	_, err = Decode(raw)
	require.Error(t, err)
	require.True(t, IsCodecError(err, "UnknownTag"))
}

func TestEncodeDecodeEmptyBatch(t *testing.T) {
	b := wire.Batch{TxnID: "empty", WallTimeMS: 5}
	raw, err := Encode(b)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, b.TxnID, got.TxnID)
	require.Empty(t, got.Entries)
}

func TestFuzzRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 4)
	tags := []wire.Tag{wire.TagNull, wire.TagString, wire.TagInt64, wire.TagInt32, wire.TagFloat64, wire.TagBool}
	ops := []wire.Op{wire.OpInsert, wire.OpUpdate, wire.OpDelete, wire.OpUpsert}

	for i := 0; i < 200; i++ {
		var txnID string
		var wallTime int64
		var entryCount int
		f.Fuzz(&txnID)
		f.Fuzz(&wallTime)
		f.NumElements(1, 5).Fuzz(&entryCount)
		// gofuzz fills an int with any 64-bit value (NumElements bounds only
		// slices and maps), so bound the entry count to 1..5 here.
		entryCount = 1 + int(uint(entryCount)%5)

		entries := make([]wire.Entry, 0, entryCount)
		for j := 0; j < entryCount; j++ {
			var tenant, table string
			var name string
			var s string
			var i64 int64
			var i32 int32
			var f64 float64
			var b bool
			f.Fuzz(&tenant)
			f.Fuzz(&table)
			if tenant == "" {
				tenant = "t"
			}
			if table == "" {
				table = "x"
			}
			f.Fuzz(&name)
			if name == "" {
				name = "f"
			}
			f.Fuzz(&s)
			f.Fuzz(&i64)
			f.Fuzz(&i32)
			f.Fuzz(&f64)
			f.Fuzz(&b)

			tag := tags[i%len(tags)]
			var v wire.Value
			switch tag {
			case wire.TagNull:
				v = wire.Null()
			case wire.TagString:
				v = wire.StringValue(s)
			case wire.TagInt64:
				v = wire.Int64Value(i64)
			case wire.TagInt32:
				v = wire.Int32Value(i32)
			case wire.TagFloat64:
				v = wire.Float64Value(f64)
			case wire.TagBool:
				v = wire.BoolValue(b)
			}

			entries = append(entries, wire.Entry{
				Tenant: tenant,
				Table:  table,
				Op:     ops[j%len(ops)],
				Data:   wire.Fields{name: v},
			})
		}

		b := wire.Batch{TxnID: txnID, WallTimeMS: wallTime, Entries: entries}
		raw, err := Encode(b)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, b.TxnID, got.TxnID)
		require.Equal(t, b.WallTimeMS, got.WallTimeMS)
		require.Equal(t, len(b.Entries), len(got.Entries))
	}
}
