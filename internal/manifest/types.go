package manifest

import (
	"context"
	"time"
)

// VersionNone is the "must not exist yet" precondition sentinel. Versions
// are per-path monotonically increasing integers starting at 1.
const VersionNone int64 = 0

// Blob is the content of a path at a specific version. MD5 is always the
// checksum of the uncompressed bytes, never of any transport encoding.
type Blob struct {
	Content []byte
	MD5     string
	Version int64
	Size    int64
}

// Entry is one row of a namespace's change ledger. A deleted path keeps its
// entry as a tombstone so clients can tell "deleted since my last sync"
// apart from "never existed".
type Entry struct {
	Path       string    `json:"path"`
	Version    int64     `json:"version"`
	MD5        string    `json:"md5,omitempty"`
	Size       int64     `json:"size"`
	Deleted    bool      `json:"deleted,omitempty"`
	Seq        int64     `json:"seq"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Manifest is a namespace's change ledger delta: every entry whose sequence
// number is greater than the requested cursor, plus the current cursor. A
// sync pass fetches only this to detect staleness, O(changes) not O(files).
type Manifest struct {
	Namespace string  `json:"namespace"`
	Cursor    int64   `json:"cursor"`
	Entries   []Entry `json:"entries"`
}

// Store is the blob-store contract the sync engine consumes. FileStore
// implements it server-side; Client implements it over the HTTP contract.
type Store interface {
	// Read returns the blob at path. ErrNotFound if the path never
	// existed, ErrRemoteDeleted if it is tombstoned.
	Read(ctx context.Context, namespace, path string) (*Blob, error)

	// Write stores content if the current version equals expectedVersion
	// (VersionNone for "must not exist"). Returns the new version.
	// ErrAlreadyExists when expectedVersion is VersionNone but the path
	// exists; VersionConflictError otherwise on mismatch.
	Write(ctx context.Context, namespace, path string, content []byte, expectedVersion int64) (int64, error)

	// Delete tombstones path with the same precondition semantics as Write.
	Delete(ctx context.Context, namespace, path string, expectedVersion int64) error

	// Changes returns ledger entries with sequence > since.
	Changes(ctx context.Context, namespace string, since int64) (*Manifest, error)
}
