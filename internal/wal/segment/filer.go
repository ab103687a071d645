package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/batchcache/engine/internal/wal/types"
)

// Filer implements types.SegmentFiler over a directory of segment files. It
// is the default, real-filesystem backend; this module's tests use it
// directly over a temporary directory.
type Filer struct {
	dir string
}

// NewFiler returns a Filer rooted at dir. dir must already exist.
func NewFiler(dir string) *Filer {
	return &Filer{dir: dir}
}

// fileName encodes the segment ID and its roll-cycle bucket timestamp, per
// spec.md §4.1 ("File names encode the roll-cycle timestamp").
func fileName(info types.SegmentInfo) string {
	return fmt.Sprintf("%020d-%s.wal", info.ID, info.Bucket.UTC().Format("20060102T150405"))
}

func (fl *Filer) path(info types.SegmentInfo) string {
	return filepath.Join(fl.dir, fileName(info))
}

// Create implements types.SegmentFiler.
func (fl *Filer) Create(info types.SegmentInfo) (types.SegmentWriter, error) {
	return Create(fl.path(info))
}

// RecoverTail implements types.SegmentFiler.
func (fl *Filer) RecoverTail(info types.SegmentInfo) (types.SegmentWriter, error) {
	path := fl.path(info)
	if _, err := os.Stat(path); err != nil {
		return nil, err // wraps os.ErrNotExist via errors.Is
	}
	rf, _, _, err := Recover(path)
	if err != nil {
		return nil, err
	}
	return rf, nil
}

// Open implements types.SegmentFiler.
func (fl *Filer) Open(info types.SegmentInfo) (types.SegmentReader, error) {
	return OpenReader(fl.path(info), info.IndexStart)
}

// List implements types.SegmentFiler: it parses segment IDs out of file
// names present in the directory, independent of what the metadata manifest
// currently says, so callers can detect and delete orphaned files.
func (fl *Filer) List() (map[uint64]struct{}, error) {
	entries, err := os.ReadDir(fl.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		idStr, _, ok := strings.Cut(e.Name(), "-")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		out[id] = struct{}{}
	}
	return out, nil
}

// Delete implements types.SegmentFiler.
func (fl *Filer) Delete(info types.SegmentInfo) error {
	err := os.Remove(fl.path(info))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
