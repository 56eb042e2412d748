package syncer

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/natefinch/atomic"
)

type cacheEntry struct {
	MD5       string `json:"md5"`
	MTimeNano int64  `json:"mtime"`
}

// MD5Cache avoids rehashing unchanged files: an entry is valid only while
// the stored mtime equals the file's current mtime. It is a performance
// cache, never a source of truth for conflict detection. Corrupt or missing
// snapshots are non-fatal. Not safe for concurrent sync passes over the
// same root; callers serialize externally.
type MD5Cache struct {
	path    string
	entries *lru.Cache[string, cacheEntry]
}

// NewMD5Cache loads the snapshot at path (empty cache if absent or corrupt)
// bounded to size entries.
func NewMD5Cache(path string, size int) (*MD5Cache, error) {
	if size <= 0 {
		size = 4096
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}

	c := &MD5Cache{path: path, entries: entries}
	c.load()
	return c, nil
}

func (c *MD5Cache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("MD5 cache unreadable, starting empty", "path", c.path, "error", err)
		}
		return
	}

	var snapshot map[string]cacheEntry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		slog.Warn("MD5 cache corrupt, starting empty", "path", c.path, "error", err)
		return
	}
	for key, entry := range snapshot {
		c.entries.Add(key, entry)
	}
}

// Save writes the snapshot. Best effort: a failed save only costs rehashing.
func (c *MD5Cache) Save() error {
	if c.path == "" {
		return nil
	}
	snapshot := make(map[string]cacheEntry, c.entries.Len())
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok {
			snapshot[key] = entry
		}
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal md5 cache: %w", err)
	}
	return atomic.WriteFile(c.path, bytes.NewReader(data))
}

// GetOrCompute returns the file's md5, reading content only when the cached
// mtime no longer matches.
func (c *MD5Cache) GetOrCompute(filePath string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", err
	}
	mtime := info.ModTime().UnixNano()

	key := pathKey(filePath)
	if entry, ok := c.entries.Get(key); ok && entry.MTimeNano == mtime {
		return entry.MD5, nil
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(content)
	digest := hex.EncodeToString(sum[:])

	c.entries.Add(key, cacheEntry{MD5: digest, MTimeNano: mtime})
	return digest, nil
}

// Set records a known digest for filePath, stamped with its current mtime.
// Used after a download, where the engine already knows the md5 of the
// content it just wrote and should not force a re-read.
func (c *MD5Cache) Set(filePath, digest string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}
	c.entries.Add(pathKey(filePath), cacheEntry{MD5: digest, MTimeNano: info.ModTime().UnixNano()})
	return nil
}

// Invalidate drops the entry for filePath.
func (c *MD5Cache) Invalidate(filePath string) {
	c.entries.Remove(pathKey(filePath))
}

func pathKey(filePath string) string {
	sum := md5.Sum([]byte(filePath))
	return hex.EncodeToString(sum[:])
}
