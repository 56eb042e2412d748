package manifest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	droverErrors "github.com/harunnryd/drover/internal/errors"

	"github.com/natefinch/atomic"
)

// namespaceState is the persisted per-namespace ledger document.
type namespaceState struct {
	Cursor  int64             `json:"cursor"`
	Entries map[string]*Entry `json:"entries"`
}

// FileStore is the server-side manifest store: one directory per namespace
// under the data dir, blob bytes in blobs/, the ledger in manifest.json.
// Writes are copy-on-write at the version level; the ledger is rewritten
// atomically after every mutation.
type FileStore struct {
	basePath   string
	namespaces map[string]*namespaceState
	mu         sync.Mutex
}

func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{
		basePath:   basePath,
		namespaces: make(map[string]*namespaceState),
	}, nil
}

func (s *FileStore) Read(ctx context.Context, namespace, path string) (*Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}

	entry, ok := ns.Entries[path]
	if !ok {
		return nil, droverErrors.NotFound(fmt.Sprintf("blob %s/%s", namespace, path))
	}
	if entry.Deleted {
		return nil, fmt.Errorf("blob %s/%s (v%d): %w", namespace, path, entry.Version, droverErrors.ErrRemoteDeleted)
	}

	content, err := os.ReadFile(s.blobPath(namespace, path))
	if err != nil {
		return nil, droverErrors.Internal(fmt.Sprintf("read blob %s/%s: %v", namespace, path, err))
	}

	return &Blob{
		Content: content,
		MD5:     entry.MD5,
		Version: entry.Version,
		Size:    entry.Size,
	}, nil
}

func (s *FileStore) Write(ctx context.Context, namespace, path string, content []byte, expectedVersion int64) (int64, error) {
	if path == "" {
		return 0, droverErrors.InvalidInput("blob path is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns, err := s.loadLocked(namespace)
	if err != nil {
		return 0, err
	}

	entry := ns.Entries[path]
	if err := checkPrecondition(path, entry, expectedVersion); err != nil {
		return 0, err
	}

	blobFile := s.blobPath(namespace, path)
	if err := os.MkdirAll(filepath.Dir(blobFile), 0o755); err != nil {
		return 0, droverErrors.Internal(fmt.Sprintf("create blob dir: %v", err))
	}
	if err := atomic.WriteFile(blobFile, bytes.NewReader(content)); err != nil {
		return 0, droverErrors.Internal(fmt.Sprintf("write blob %s/%s: %v", namespace, path, err))
	}

	newVersion := int64(1)
	if entry != nil {
		newVersion = entry.Version + 1
	}
	ns.Cursor++
	sum := md5.Sum(content)
	ns.Entries[path] = &Entry{
		Path:       path,
		Version:    newVersion,
		MD5:        hex.EncodeToString(sum[:]),
		Size:       int64(len(content)),
		Seq:        ns.Cursor,
		ModifiedAt: time.Now().UTC(),
	}

	if err := s.saveLocked(namespace, ns); err != nil {
		return 0, err
	}

	slog.Debug("Blob written",
		"namespace", namespace,
		"path", path,
		"version", newVersion,
		"size", len(content),
	)
	return newVersion, nil
}

func (s *FileStore) Delete(ctx context.Context, namespace, path string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, err := s.loadLocked(namespace)
	if err != nil {
		return err
	}

	entry, ok := ns.Entries[path]
	if !ok {
		return droverErrors.NotFound(fmt.Sprintf("blob %s/%s", namespace, path))
	}
	if entry.Deleted {
		// Deleting a tombstone is a no-op from the client's point of view.
		return nil
	}
	if expectedVersion != entry.Version {
		return &droverErrors.VersionConflictError{Path: path, Expected: expectedVersion, Current: entry.Version}
	}

	if err := os.Remove(s.blobPath(namespace, path)); err != nil && !os.IsNotExist(err) {
		return droverErrors.Internal(fmt.Sprintf("remove blob %s/%s: %v", namespace, path, err))
	}

	ns.Cursor++
	entry.Deleted = true
	entry.Version++
	entry.MD5 = ""
	entry.Size = 0
	entry.Seq = ns.Cursor
	entry.ModifiedAt = time.Now().UTC()

	if err := s.saveLocked(namespace, ns); err != nil {
		return err
	}

	slog.Debug("Blob tombstoned", "namespace", namespace, "path", path, "version", entry.Version)
	return nil
}

func (s *FileStore) Changes(ctx context.Context, namespace string, since int64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, entry := range ns.Entries {
		if entry.Seq > since {
			entries = append(entries, *entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	return &Manifest{
		Namespace: namespace,
		Cursor:    ns.Cursor,
		Entries:   entries,
	}, nil
}

func checkPrecondition(path string, entry *Entry, expectedVersion int64) error {
	exists := entry != nil && !entry.Deleted

	if expectedVersion == VersionNone {
		if exists {
			return fmt.Errorf("blob %s (v%d): %w", path, entry.Version, droverErrors.ErrAlreadyExists)
		}
		return nil
	}

	current := int64(0)
	if entry != nil {
		current = entry.Version
	}
	if current != expectedVersion {
		return &droverErrors.VersionConflictError{Path: path, Expected: expectedVersion, Current: current}
	}
	return nil
}

func (s *FileStore) loadLocked(namespace string) (*namespaceState, error) {
	if namespace == "" {
		return nil, droverErrors.InvalidInput("namespace is empty")
	}
	if ns, ok := s.namespaces[namespace]; ok {
		return ns, nil
	}

	ns := &namespaceState{Entries: make(map[string]*Entry)}
	data, err := os.ReadFile(s.manifestPath(namespace))
	if err == nil {
		if err := json.Unmarshal(data, ns); err != nil {
			return nil, droverErrors.Internal(fmt.Sprintf("corrupt manifest for %s: %v", namespace, err))
		}
		if ns.Entries == nil {
			ns.Entries = make(map[string]*Entry)
		}
	} else if !os.IsNotExist(err) {
		return nil, droverErrors.Internal(fmt.Sprintf("read manifest for %s: %v", namespace, err))
	}

	s.namespaces[namespace] = ns
	return ns, nil
}

func (s *FileStore) saveLocked(namespace string, ns *namespaceState) error {
	data, err := json.MarshalIndent(ns, "", "  ")
	if err != nil {
		return droverErrors.Internal(fmt.Sprintf("marshal manifest for %s: %v", namespace, err))
	}
	if err := os.MkdirAll(filepath.Join(s.basePath, namespace), 0o755); err != nil {
		return droverErrors.Internal(fmt.Sprintf("create namespace dir: %v", err))
	}
	if err := atomic.WriteFile(s.manifestPath(namespace), bytes.NewReader(data)); err != nil {
		return droverErrors.Internal(fmt.Sprintf("write manifest for %s: %v", namespace, err))
	}
	return nil
}

func (s *FileStore) manifestPath(namespace string) string {
	return filepath.Join(s.basePath, namespace, "manifest.json")
}

// blobPath hashes the logical path so arbitrary slash-paths map to a flat,
// filesystem-safe name. The logical path lives only in the ledger.
func (s *FileStore) blobPath(namespace, path string) string {
	sum := md5.Sum([]byte(path))
	return filepath.Join(s.basePath, namespace, "blobs", hex.EncodeToString(sum[:]))
}
