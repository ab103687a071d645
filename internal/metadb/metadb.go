// Package metadb implements wal/types.MetaStore with a small BoltDB file
// sitting next to the segment directory. BoltDB gives us crash-safe,
// single-writer key/value commits for the segment manifest without pulling
// in a second WAL of our own to keep a WAL's own bookkeeping durable.
package metadb

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/batchcache/engine/internal/wal/types"
)

var manifestBucket = []byte("segment_manifest")
var manifestKey = []byte("state")

// Store is the default, BoltDB-backed types.MetaStore.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the meta database file inside dir.
func Open(dir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dir, "meta.bolt"), 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("metadb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(manifestBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metadb: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load implements types.MetaStore.
func (s *Store) Load(dir string) (types.PersistentState, error) {
	var state types.PersistentState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(manifestBucket)
		raw := b.Get(manifestKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &state)
	})
	if err != nil {
		return types.PersistentState{}, fmt.Errorf("metadb: load: %w", err)
	}
	return state, nil
}

// CommitState implements types.MetaStore.
func (s *Store) CommitState(ps types.PersistentState) error {
	raw, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("metadb: marshal state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestBucket).Put(manifestKey, raw)
	})
}

// Close implements io.Closer.
func (s *Store) Close() error {
	return s.db.Close()
}
