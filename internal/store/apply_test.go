package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchcache/engine/internal/wire"
)

func entryFor(table, tenant string, op wire.Op, id int64, extra wire.Fields) wire.Entry {
	data := wire.Fields{"id": wire.Int64Value(id)}
	for k, v := range extra {
		data[k] = v
	}
	return wire.Entry{Tenant: tenant, Table: table, Op: op, Data: data}
}

func TestApplyEntryInsertThenUpdate(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	require.NoError(t, s.ApplyEntry(entryFor("orders", "t", wire.OpInsert, 1, nil)))
	require.NoError(t, s.ApplyEntry(entryFor("orders", "t", wire.OpUpdate, 1, wire.Fields{"v": wire.Int64Value(9)})))

	got, ok, err := s.Get("orders", "t", wire.Int64Value(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wire.Int64Value(9), got["v"])
}

func TestApplyEntryUpdateOnAbsentIsError(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	err = s.ApplyEntry(entryFor("orders", "t", wire.OpUpdate, 1, nil))
	require.Error(t, err, "strict live-commit semantics reject UPDATE on an absent key")
}

func TestApplyEntryDeleteOnAbsentIsNoop(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	require.NoError(t, s.ApplyEntry(entryFor("orders", "t", wire.OpDelete, 1, nil)))
}

func TestApplyEntryUpsertAlwaysWrites(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	require.NoError(t, s.ApplyEntry(entryFor("orders", "t", wire.OpUpsert, 1, nil)))
	_, ok, err := s.Get("orders", "t", wire.Int64Value(1))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestApplyEntryIdempotentInsertOnExistingIsUpdate(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	require.NoError(t, s.ApplyEntry(entryFor("orders", "t", wire.OpInsert, 1, wire.Fields{"v": wire.Int64Value(1)})))
	warning, err := s.ApplyEntryIdempotent(entryFor("orders", "t", wire.OpInsert, 1, wire.Fields{"v": wire.Int64Value(2)}))
	require.NoError(t, err)
	require.Empty(t, warning)

	got, _, err := s.Get("orders", "t", wire.Int64Value(1))
	require.NoError(t, err)
	require.Equal(t, wire.Int64Value(2), got["v"])
}

func TestApplyEntryIdempotentUpdateOnAbsentWarnsNoError(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	warning, err := s.ApplyEntryIdempotent(entryFor("orders", "t", wire.OpUpdate, 1, nil))
	require.NoError(t, err)
	require.NotEmpty(t, warning, "replay must not fail on a stale UPDATE, only warn")

	_, ok, err := s.Get("orders", "t", wire.Int64Value(1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestApplyEntryIdempotentDeleteOnAbsentIsNoop(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	warning, err := s.ApplyEntryIdempotent(entryFor("orders", "t", wire.OpDelete, 1, nil))
	require.NoError(t, err)
	require.Empty(t, warning)
}

func TestApplyEntryUnderLockTypesDoesNotDeadlock(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	unlock, err := s.LockTypes([]string{"orders", "users"})
	require.NoError(t, err)
	defer unlock()

	require.NoError(t, s.ApplyEntry(entryFor("orders", "t", wire.OpInsert, 1, nil)))
	require.NoError(t, s.ApplyEntry(entryFor("users", "t", wire.OpInsert, 2, nil)))
}
