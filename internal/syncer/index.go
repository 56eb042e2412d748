package syncer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// State classifies a local path against the index.
type State int

const (
	StateUnchanged State = iota
	StateModified
	StateNew
)

// IndexEntry is the last-known-synced record for one path: what this client
// last observed as the remote state.
type IndexEntry struct {
	MD5     string `json:"md5"`
	Size    int64  `json:"size"`
	Version int64  `json:"version"`
}

type indexDocument struct {
	Cursor  int64                  `json:"cursor"`
	Entries map[string]*IndexEntry `json:"entries"`
}

// Index is the persisted per-sync-root record of last-known-synced state.
// It is a local optimization layer, never a lock; the manifest store's
// version tokens are the safety net against concurrent remote writers.
type Index struct {
	path    string
	Cursor  int64
	Entries map[string]*IndexEntry
}

// LoadIndex reads the index document at path. A missing file yields an
// empty index (the bootstrap case); a corrupt one is an error, since
// silently discarding it would re-merge everything.
func LoadIndex(path string) (*Index, error) {
	idx := &Index{path: path, Entries: make(map[string]*IndexEntry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}

	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt index %s: %w", path, err)
	}
	idx.Cursor = doc.Cursor
	if doc.Entries != nil {
		idx.Entries = doc.Entries
	}
	return idx, nil
}

// Save writes the full document atomically (write temp, then rename).
func (idx *Index) Save() error {
	doc := indexDocument{Cursor: idx.Cursor, Entries: idx.Entries}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return atomic.WriteFile(idx.path, bytes.NewReader(data))
}

// IsEmpty reports whether this is a first sync (bootstrap).
func (idx *Index) IsEmpty() bool {
	return len(idx.Entries) == 0 && idx.Cursor == 0
}

// Classify compares a live local file against the index.
func (idx *Index) Classify(path, currentMD5 string) State {
	entry, ok := idx.Entries[path]
	if !ok {
		return StateNew
	}
	if entry.MD5 != currentMD5 {
		return StateModified
	}
	return StateUnchanged
}

// RecordSynced updates the entry for path after a successful transfer.
func (idx *Index) RecordSynced(path, md5 string, size, version int64) {
	idx.Entries[path] = &IndexEntry{MD5: md5, Size: size, Version: version}
}

// Forget removes the entry for path.
func (idx *Index) Forget(path string) {
	delete(idx.Entries, path)
}

// Tombstones returns indexed paths absent from the live set: candidate
// deletions to propagate.
func (idx *Index) Tombstones(live map[string]bool) []string {
	var gone []string
	for path := range idx.Entries {
		if !live[path] {
			gone = append(gone, path)
		}
	}
	return gone
}
