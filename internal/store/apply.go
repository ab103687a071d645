package store

import (
	"fmt"

	"github.com/batchcache/engine/internal/wire"
)

// ApplyEntry applies one entry to the store under the op's normal (live
// commit) semantics: INSERT/UPSERT put the post-image, UPDATE requires the
// key to already exist, DELETE requires the primary-key field and is a no-op
// on an absent key. It is used by the Commit
// Coordinator's Step 5 (spec.md §4.7). The caller must already hold the
// exclusive lock for entry.Table via LockTypes; ApplyEntry never locks on
// its own.
func (s *Store) ApplyEntry(entry wire.Entry) error {
	p, desc, err := s.partitionFor(entry.Table)
	if err != nil {
		return err
	}
	pk, hasPK := entry.Data[desc.PrimaryKeyField]

	switch entry.Op {
	case wire.OpInsert, wire.OpUpsert:
		return putLocked(p, entry.Table, entry.Tenant, entry.Data, desc.PrimaryKeyField)
	case wire.OpUpdate:
		if !hasPK {
			return fmt.Errorf("%w: field %q", ErrMissingPrimaryKey, desc.PrimaryKeyField)
		}
		if _, exists := getLocked(p, entry.Tenant, pk); !exists {
			return fmt.Errorf("store: UPDATE on absent key %s in %s/%s", pk, entry.Table, entry.Tenant)
		}
		return putLocked(p, entry.Table, entry.Tenant, entry.Data, desc.PrimaryKeyField)
	case wire.OpDelete:
		if !hasPK {
			return fmt.Errorf("%w: field %q", ErrMissingPrimaryKey, desc.PrimaryKeyField)
		}
		_, _ = removeLocked(p, entry.Tenant, pk)
		return nil
	default:
		return fmt.Errorf("store: unrecognized op %v", entry.Op)
	}
}

// ApplyEntryIdempotent applies one entry under the Replay Engine's
// idempotency rules (spec.md §4.8), used when reapplying WAL entries whose
// DB transaction may or may not have landed:
//   - INSERT on an existing key behaves as UPDATE (replaces in place).
//   - UPDATE on an absent key is a no-op, reported via the returned warning.
//   - DELETE on an absent key is a no-op.
//   - UPSERT always puts, regardless of prior state.
//
// The caller must hold entry.Table's exclusive lock via LockTypes, exactly
// as ApplyEntry requires. It returns a non-empty warning string (and a nil
// error) for the UPDATE-on-absent case so the Replay Engine can log it
// without failing the replay.
func (s *Store) ApplyEntryIdempotent(entry wire.Entry) (warning string, err error) {
	p, desc, err := s.partitionFor(entry.Table)
	if err != nil {
		return "", err
	}
	pk, hasPK := entry.Data[desc.PrimaryKeyField]

	switch entry.Op {
	case wire.OpInsert, wire.OpUpsert:
		return "", putLocked(p, entry.Table, entry.Tenant, entry.Data, desc.PrimaryKeyField)
	case wire.OpUpdate:
		if !hasPK {
			return "", fmt.Errorf("%w: field %q", ErrMissingPrimaryKey, desc.PrimaryKeyField)
		}
		if _, exists := getLocked(p, entry.Tenant, pk); !exists {
			return fmt.Sprintf("UPDATE on absent key %s in %s/%s skipped during replay", pk, entry.Table, entry.Tenant), nil
		}
		return "", putLocked(p, entry.Table, entry.Tenant, entry.Data, desc.PrimaryKeyField)
	case wire.OpDelete:
		if !hasPK {
			return "", fmt.Errorf("%w: field %q", ErrMissingPrimaryKey, desc.PrimaryKeyField)
		}
		_, _ = removeLocked(p, entry.Tenant, pk)
		return "", nil
	default:
		return "", fmt.Errorf("store: unrecognized op %v", entry.Op)
	}
}
