package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchcache/engine/internal/wire"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(
		EntityTypeDescriptor{ID: "orders", PrimaryKeyField: "id", TableName: "orders"},
		EntityTypeDescriptor{ID: "users", PrimaryKeyField: "id", TableName: "users"},
	)
	require.NoError(t, err)
	return r
}

func TestStorePutGetRemove(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	rec := wire.Fields{"id": wire.Int64Value(1), "name": wire.StringValue("a")}
	require.NoError(t, s.Put("orders", "tenant-a", rec))

	got, ok, err := s.Get("orders", "tenant-a", wire.Int64Value(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, got)

	_, ok, err = s.Get("orders", "tenant-b", wire.Int64Value(1))
	require.NoError(t, err)
	require.False(t, ok, "records are isolated per tenant")

	removed, ok, err := s.Remove("orders", "tenant-a", wire.Int64Value(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, removed)

	_, ok, err = s.Get("orders", "tenant-a", wire.Int64Value(1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreUnknownEntityType(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	err = s.Put("widgets", "tenant-a", wire.Fields{"id": wire.Int64Value(1)})
	require.ErrorIs(t, err, ErrUnknownEntityType)
}

func TestStoreMissingPrimaryKey(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	err = s.Put("orders", "tenant-a", wire.Fields{"name": wire.StringValue("no id")})
	require.ErrorIs(t, err, ErrMissingPrimaryKey)
}

func TestStoreCapacityExceeded(t *testing.T) {
	s, err := New(testRegistry(t), Config{PerTypeCapacity: map[string]int{"orders": 1, "users": 0}})
	require.NoError(t, err)

	require.NoError(t, s.Put("orders", "t", wire.Fields{"id": wire.Int64Value(1)}))
	err = s.Put("orders", "t", wire.Fields{"id": wire.Int64Value(2)})
	require.Error(t, err)
	require.True(t, IsCapacityExceeded(err))

	// Replacing an existing key never counts against capacity.
	require.NoError(t, s.Put("orders", "t", wire.Fields{"id": wire.Int64Value(1), "v": wire.Int64Value(2)}))
}

func TestStoreAutoDistributedCapacity(t *testing.T) {
	s, err := New(testRegistry(t), Config{
		MaxTotalRecords: 100,
		PerTypeCapacity: map[string]int{"orders": 10},
	})
	require.NoError(t, err)
	// "users" draws the full remainder since it is the only unassigned type.
	require.Equal(t, 90, s.partitions["users"].capacity)
	require.Equal(t, 10, s.partitions["orders"].capacity)
}

func TestStoreScanIsolatesByTenant(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	require.NoError(t, s.Put("orders", "tenant-a", wire.Fields{"id": wire.Int64Value(1)}))
	require.NoError(t, s.Put("orders", "tenant-a", wire.Fields{"id": wire.Int64Value(2)}))
	require.NoError(t, s.Put("orders", "tenant-b", wire.Fields{"id": wire.Int64Value(1)}))

	got, err := s.Scan("orders", "tenant-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestLockTypesDoesNotBlockPutOnOtherType(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	unlock, err := s.LockTypes([]string{"orders"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, s.Put("users", "t", wire.Fields{"id": wire.Int64Value(1)}))
	}()
	// users is a distinct partition; Put on it must not block on orders' lock.
	<-done

	unlock()
}

func TestLockTypesDedupesAndSorts(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	unlock, err := s.LockTypes([]string{"users", "orders", "orders"})
	require.NoError(t, err)
	go func() {
		defer wg.Done()
		unlock()
	}()
	wg.Wait()
}

func TestLockTypesUnknownType(t *testing.T) {
	s, err := New(testRegistry(t), Config{MaxTotalRecords: 100})
	require.NoError(t, err)

	_, err = s.LockTypes([]string{"widgets"})
	require.ErrorIs(t, err, ErrUnknownEntityType)
}
