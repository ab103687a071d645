package store

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/batchcache/engine/internal/wire"
)

// Config configures a Store's capacity, per spec.md §6's store.* options.
type Config struct {
	// MaxTotalRecords is the budget auto-distributed across registered
	// entity types when PerTypeCapacity does not name a type explicitly.
	MaxTotalRecords int
	// PerTypeCapacity overrides the auto-distributed share for named
	// entity types; types absent here draw from the auto-distributed
	// remainder.
	PerTypeCapacity map[string]int
}

// partition holds the records of one entity type, keyed by
// (tenant, primary-key). A single RWMutex implements the shared-exclusive
// discipline from spec.md §4.5: concurrent readers take RLock, the
// Coordinator's batch-apply step takes Lock via LockTypes.
type partition struct {
	mu       sync.RWMutex
	capacity int
	records  map[string]wire.Fields
}

// Store is the Unified Entity Store (C5): one arena keyed by
// (entity_type, tenant, primary_key), partitioned per entity type so
// unrelated types never contend on the same lock.
type Store struct {
	registry   *Registry
	partitions map[string]*partition
}

// New builds a Store over registry, sizing each type's partition per cfg.
func New(registry *Registry, cfg Config) (*Store, error) {
	types := registry.Types()
	explicit := 0
	unassigned := len(types)
	for _, t := range types {
		if c, ok := cfg.PerTypeCapacity[t]; ok {
			explicit += c
			unassigned--
		}
	}
	autoShare := 0
	if unassigned > 0 {
		remaining := cfg.MaxTotalRecords - explicit
		if remaining < 0 {
			remaining = 0
		}
		autoShare = remaining / unassigned
	}

	s := &Store{registry: registry, partitions: make(map[string]*partition, len(types))}
	for _, t := range types {
		cap := autoShare
		if c, ok := cfg.PerTypeCapacity[t]; ok {
			cap = c
		}
		s.partitions[t] = &partition{capacity: cap, records: make(map[string]wire.Fields)}
	}
	return s, nil
}

func compositeKey(tenant string, pk wire.Value) string {
	return fmt.Sprintf("%s\x00%d:%s", tenant, pk.Tag, pk.String())
}

func (s *Store) partitionFor(entityType string) (*partition, EntityTypeDescriptor, error) {
	d, ok := s.registry.Lookup(entityType)
	if !ok {
		return nil, d, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	p, ok := s.partitions[entityType]
	if !ok {
		return nil, d, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return p, d, nil
}

// putLocked inserts or replaces record by its primary key; the caller must
// already hold p's write lock (directly, or via LockTypes).
func putLocked(p *partition, entityType string, tenant string, record wire.Fields, pkField string) error {
	pk, ok := record[pkField]
	if !ok {
		return fmt.Errorf("%w: field %q", ErrMissingPrimaryKey, pkField)
	}
	key := compositeKey(tenant, pk)
	if _, exists := p.records[key]; !exists && p.capacity > 0 && len(p.records) >= p.capacity {
		return &CapacityExceededError{EntityType: entityType, Capacity: p.capacity}
	}
	p.records[key] = record.Clone()
	return nil
}

func getLocked(p *partition, tenant string, key wire.Value) (wire.Fields, bool) {
	rec, ok := p.records[compositeKey(tenant, key)]
	return rec, ok
}

func removeLocked(p *partition, tenant string, key wire.Value) (wire.Fields, bool) {
	ck := compositeKey(tenant, key)
	rec, ok := p.records[ck]
	if ok {
		delete(p.records, ck)
	}
	return rec, ok
}

// Put inserts or replaces record by its primary key, under the
// (entityType, tenant) partition. Replacing an existing key never counts
// against capacity; only a net-new key does. Put acquires its own lock; it
// must not be called while the caller already holds entityType's lock via
// LockTypes (use the Locked accessors from ApplyEntry/ApplyEntryIdempotent
// instead).
func (s *Store) Put(entityType, tenant string, record wire.Fields) error {
	p, d, err := s.partitionFor(entityType)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return putLocked(p, entityType, tenant, record, d.PrimaryKeyField)
}

// Get returns the record at (entityType, tenant, key), or ok=false if
// absent.
func (s *Store) Get(entityType, tenant string, key wire.Value) (wire.Fields, bool, error) {
	p, _, err := s.partitionFor(entityType)
	if err != nil {
		return nil, false, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := getLocked(p, tenant, key)
	return rec, ok, nil
}

// Remove deletes and returns the record at (entityType, tenant, key), or
// ok=false if absent.
func (s *Store) Remove(entityType, tenant string, key wire.Value) (wire.Fields, bool, error) {
	p, _, err := s.partitionFor(entityType)
	if err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := removeLocked(p, tenant, key)
	return rec, ok, nil
}

// Scan returns a snapshot of every record under (entityType, tenant) at the
// time of the call. Per spec.md §4.5, it is finite and not guaranteed
// restartable across concurrent mutation.
func (s *Store) Scan(entityType, tenant string) ([]wire.Fields, error) {
	p, _, err := s.partitionFor(entityType)
	if err != nil {
		return nil, err
	}
	prefix := tenant + "\x00"
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]wire.Fields, 0, len(p.records))
	for k, rec := range p.records {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Size returns the number of live records of entityType, across all
// tenants.
func (s *Store) Size(entityType string) (int, error) {
	p, _, err := s.partitionFor(entityType)
	if err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records), nil
}

// TotalSize returns the live record count across every entity type.
func (s *Store) TotalSize() int {
	total := 0
	for _, t := range s.registry.Types() {
		n, _ := s.Size(t)
		total += n
	}
	return total
}

// LockTypes acquires exclusive access to every named entity type's
// partition, in a fixed (sorted) order so concurrent multi-type batches
// never deadlock against each other. The Commit Coordinator holds this for
// the duration of Step 5 (store-apply) only, per spec.md §4.5/§5; while
// held it must use ApplyEntry/ApplyEntryIdempotent, not Put/Get/Remove,
// which would otherwise re-lock the same partition and deadlock. The
// returned func releases all acquired locks in reverse order.
func (s *Store) LockTypes(entityTypes []string) (func(), error) {
	uniq := make(map[string]struct{}, len(entityTypes))
	for _, t := range entityTypes {
		uniq[t] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for t := range uniq {
		sorted = append(sorted, t)
	}
	slices.Sort(sorted)

	parts := make([]*partition, 0, len(sorted))
	for _, t := range sorted {
		p, _, err := s.partitionFor(t)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	for _, p := range parts {
		p.mu.Lock()
	}
	return func() {
		for i := len(parts) - 1; i >= 0; i-- {
			parts[i].mu.Unlock()
		}
	}, nil
}
