package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	droverErrors "github.com/harunnryd/drover/internal/errors"
	"github.com/harunnryd/drover/internal/manifest"

	"github.com/natefinch/atomic"
)

// Conflict is a first-class sync outcome: both sides changed the same path
// (or a deletion races a modification). The engine detects and reports,
// never picks a winner.
type Conflict struct {
	Path          string `json:"path"`
	Reason        string `json:"reason"`
	LocalMD5      string `json:"local_md5,omitempty"`
	RemoteMD5     string `json:"remote_md5,omitempty"`
	IndexVersion  int64  `json:"index_version,omitempty"`
	RemoteVersion int64  `json:"remote_version,omitempty"`
}

// Resolution is a resolver's verdict on a conflict.
type Resolution int

const (
	ResolutionNone Resolution = iota
	ResolutionKeepLocal
	ResolutionKeepRemote
)

// Resolver is the pluggable conflict-resolution policy (human prompt,
// LLM-assisted, policy file). Without one, every conflict stays surfaced.
type Resolver interface {
	Resolve(Conflict) Resolution
}

// Report summarizes one sync pass.
type Report struct {
	Uploaded      []string
	Downloaded    []string
	DeletedLocal  []string
	DeletedRemote []string
	Conflicts     []Conflict
	Unchanged     int
	NoOp          bool
}

// Engine reconciles a local directory, its index, and a manifest-store
// namespace. One engine per sync root per process; concurrent passes over
// the same root are unsupported.
type Engine struct {
	store     manifest.Store
	namespace string
	root      string
	index     *Index
	cache     *MD5Cache
	ignore    []string
	resolver  Resolver
}

// Options tunes an Engine beyond its required collaborators.
type Options struct {
	Ignore   []string
	Resolver Resolver
}

func NewEngine(store manifest.Store, namespace, root string, index *Index, cache *MD5Cache, opts Options) *Engine {
	return &Engine{
		store:     store,
		namespace: namespace,
		root:      root,
		index:     index,
		cache:     cache,
		ignore:    opts.Ignore,
		resolver:  opts.Resolver,
	}
}

type localFile struct {
	md5  string
	size int64
}

// Sync runs one reconciliation pass. Conflicts are reported, not errors;
// the returned error aggregates transport failures only. A pass with no
// local or remote change is a no-op: no writes, no version bumps, no index
// mutation.
func (e *Engine) Sync(ctx context.Context) (*Report, error) {
	report := &Report{}

	// Staleness check: the manifest delta is the only remote call needed
	// to find out nothing changed.
	delta, err := e.store.Changes(ctx, e.namespace, e.index.Cursor)
	if err != nil {
		return nil, droverErrors.Wrap(err, "fetch manifest delta")
	}

	remote := make(map[string]manifest.Entry)
	for _, entry := range delta.Entries {
		remote[entry.Path] = entry
	}

	locals, err := e.scanLocal()
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(locals))
	for path := range locals {
		live[path] = true
	}
	localDeleted := make(map[string]bool)
	for _, path := range e.index.Tombstones(live) {
		localDeleted[path] = true
	}

	localChanged := false
	for path, lf := range locals {
		if e.index.Classify(path, lf.md5) != StateUnchanged {
			localChanged = true
			break
		}
	}

	if !localChanged && len(localDeleted) == 0 && len(remote) == 0 {
		report.NoOp = true
		report.Unchanged = len(locals)
		return report, nil
	}

	if e.index.IsEmpty() && len(locals) > 0 && len(remote) > 0 {
		slog.Info("Bootstrap sync: merging local and remote state",
			"namespace", e.namespace,
			"local_files", len(locals),
			"remote_entries", len(remote),
		)
	}

	var transferErrs []error
	for _, path := range unionPaths(locals, localDeleted, remote) {
		if err := e.reconcilePath(ctx, path, locals, localDeleted, remote, report); err != nil {
			transferErrs = append(transferErrs, err)
		}
	}

	cursor := e.index.Cursor
	if len(transferErrs) == 0 {
		cursor = delta.Cursor
		cursor = e.absorbEchoes(ctx, cursor, report)
	}
	e.index.Cursor = cursor

	if err := e.index.Save(); err != nil {
		transferErrs = append(transferErrs, err)
	}
	if err := e.cache.Save(); err != nil {
		slog.Warn("Failed to save md5 cache", "error", err)
	}

	return report, errors.Join(transferErrs...)
}

func (e *Engine) reconcilePath(ctx context.Context, path string, locals map[string]localFile, localDeleted map[string]bool, remote map[string]manifest.Entry, report *Report) error {
	lf, localExists := locals[path]
	idxEntry, indexed := e.index.Entries[path]
	re, remoteChanged := remote[path]

	// Our own prior writes come back in the next delta; a remote entry
	// whose version matches the index is not a change.
	if remoteChanged && indexed && re.Version == idxEntry.Version {
		remoteChanged = false
	}

	switch {
	case localExists && e.index.Classify(path, lf.md5) == StateUnchanged:
		if !remoteChanged {
			report.Unchanged++
			return nil
		}
		if re.Deleted {
			return e.deleteLocal(path, report)
		}
		if re.MD5 == lf.md5 {
			// Another client uploaded identical content.
			e.recordSynced(path, lf.md5, lf.size, re.Version)
			report.Unchanged++
			return nil
		}
		return e.download(ctx, path, report)

	case localExists:
		// Locally new or modified.
		if remoteChanged && re.Deleted && indexed {
			e.surfaceConflict(ctx, report, Conflict{
				Path:          path,
				Reason:        "local modified, remote deleted",
				LocalMD5:      lf.md5,
				IndexVersion:  idxEntry.Version,
				RemoteVersion: re.Version,
			})
			return nil
		}
		if remoteChanged && !re.Deleted {
			if re.MD5 == lf.md5 {
				// Both sides hold the same bytes; mark synced without
				// a transfer. This is the bootstrap-merge match case.
				e.recordSynced(path, lf.md5, lf.size, re.Version)
				report.Unchanged++
				return nil
			}
			reason := "both modified"
			indexVersion := int64(0)
			if indexed {
				indexVersion = idxEntry.Version
			} else {
				reason = "bootstrap content differs"
			}
			e.surfaceConflict(ctx, report, Conflict{
				Path:          path,
				Reason:        reason,
				LocalMD5:      lf.md5,
				RemoteMD5:     re.MD5,
				IndexVersion:  indexVersion,
				RemoteVersion: re.Version,
			})
			return nil
		}
		expected := manifest.VersionNone
		if indexed {
			expected = idxEntry.Version
		}
		return e.upload(ctx, path, lf, expected, report)

	case localDeleted[path]:
		if remoteChanged && re.Deleted {
			// Both sides deleted; agreement, not a conflict.
			e.index.Forget(path)
			e.saveIndex()
			return nil
		}
		if remoteChanged {
			e.surfaceConflict(ctx, report, Conflict{
				Path:          path,
				Reason:        "local deleted, remote modified",
				RemoteMD5:     re.MD5,
				IndexVersion:  idxEntry.Version,
				RemoteVersion: re.Version,
			})
			return nil
		}
		return e.deleteRemote(ctx, path, idxEntry.Version, report)

	case remoteChanged && re.Deleted:
		// Deletion of something we never had.
		return nil

	case remoteChanged:
		return e.download(ctx, path, report)
	}
	return nil
}

func (e *Engine) upload(ctx context.Context, path string, lf localFile, expected int64, report *Report) error {
	content, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(path)))
	if err != nil {
		return fmt.Errorf("read %s for upload: %w", path, err)
	}

	version, err := e.store.Write(ctx, e.namespace, path, content, expected)
	if err != nil {
		if droverErrors.IsCategory(err, droverErrors.ErrVersionConflict) || droverErrors.IsCategory(err, droverErrors.ErrAlreadyExists) {
			// The remote moved under us between delta fetch and write.
			conflict := Conflict{
				Path:         path,
				Reason:       "stale upload, remote changed concurrently",
				LocalMD5:     lf.md5,
				IndexVersion: expected,
			}
			var vc *droverErrors.VersionConflictError
			if errors.As(err, &vc) {
				conflict.RemoteVersion = vc.Current
			}
			e.surfaceConflict(ctx, report, conflict)
			return nil
		}
		return droverErrors.Wrap(err, "upload "+path)
	}

	e.recordSynced(path, lf.md5, lf.size, version)
	report.Uploaded = append(report.Uploaded, path)
	slog.Debug("Uploaded", "namespace", e.namespace, "path", path, "version", version)
	return nil
}

func (e *Engine) download(ctx context.Context, path string, report *Report) error {
	blob, err := e.store.Read(ctx, e.namespace, path)
	if err != nil {
		if droverErrors.IsCategory(err, droverErrors.ErrRemoteDeleted) {
			return e.deleteLocal(path, report)
		}
		return droverErrors.Wrap(err, "download "+path)
	}

	target := filepath.Join(e.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := atomic.WriteFile(target, bytes.NewReader(blob.Content)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	// We just wrote these bytes; no need to re-hash them.
	if err := e.cache.Set(target, blob.MD5); err != nil {
		slog.Warn("Failed to prime md5 cache after download", "path", path, "error", err)
	}
	e.recordSynced(path, blob.MD5, blob.Size, blob.Version)
	report.Downloaded = append(report.Downloaded, path)
	slog.Debug("Downloaded", "namespace", e.namespace, "path", path, "version", blob.Version)
	return nil
}

func (e *Engine) deleteLocal(path string, report *Report) error {
	target := filepath.Join(e.root, filepath.FromSlash(path))
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	e.cache.Invalidate(target)
	e.index.Forget(path)
	e.saveIndex()
	report.DeletedLocal = append(report.DeletedLocal, path)
	slog.Debug("Deleted locally", "namespace", e.namespace, "path", path)
	return nil
}

func (e *Engine) deleteRemote(ctx context.Context, path string, expected int64, report *Report) error {
	if err := e.store.Delete(ctx, e.namespace, path, expected); err != nil {
		if droverErrors.IsCategory(err, droverErrors.ErrVersionConflict) {
			conflict := Conflict{
				Path:         path,
				Reason:       "local deleted, remote modified",
				IndexVersion: expected,
			}
			var vc *droverErrors.VersionConflictError
			if errors.As(err, &vc) {
				conflict.RemoteVersion = vc.Current
			}
			e.surfaceConflict(ctx, report, conflict)
			return nil
		}
		if droverErrors.IsCategory(err, droverErrors.ErrNotFound) {
			// Never made it remote; just forget it.
			e.index.Forget(path)
			e.saveIndex()
			return nil
		}
		return droverErrors.Wrap(err, "delete "+path)
	}

	e.index.Forget(path)
	e.saveIndex()
	report.DeletedRemote = append(report.DeletedRemote, path)
	slog.Debug("Deleted remotely", "namespace", e.namespace, "path", path)
	return nil
}

// surfaceConflict reports a conflict, or applies a resolver's verdict when
// one is configured.
func (e *Engine) surfaceConflict(ctx context.Context, report *Report, conflict Conflict) {
	if e.resolver != nil {
		switch e.resolver.Resolve(conflict) {
		case ResolutionKeepLocal:
			if err := e.forceUpload(ctx, conflict, report); err != nil {
				slog.Warn("Conflict resolution (keep local) failed", "path", conflict.Path, "error", err)
				break
			}
			return
		case ResolutionKeepRemote:
			if err := e.download(ctx, conflict.Path, report); err != nil {
				slog.Warn("Conflict resolution (keep remote) failed", "path", conflict.Path, "error", err)
				break
			}
			return
		}
	}
	report.Conflicts = append(report.Conflicts, conflict)
	slog.Warn("Sync conflict",
		"namespace", e.namespace,
		"path", conflict.Path,
		"reason", conflict.Reason,
	)
}

func (e *Engine) forceUpload(ctx context.Context, conflict Conflict, report *Report) error {
	target := filepath.Join(e.root, filepath.FromSlash(conflict.Path))
	content, err := os.ReadFile(target)
	if err != nil {
		return err
	}
	digest, err := e.cache.GetOrCompute(target)
	if err != nil {
		return err
	}

	expected := conflict.RemoteVersion
	version, err := e.store.Write(ctx, e.namespace, conflict.Path, content, expected)
	if err != nil {
		return err
	}
	e.recordSynced(conflict.Path, digest, int64(len(content)), version)
	report.Uploaded = append(report.Uploaded, conflict.Path)
	return nil
}

func (e *Engine) recordSynced(path, digest string, size, version int64) {
	e.index.RecordSynced(path, digest, size, version)
	e.saveIndex()
}

// saveIndex persists after each per-file mutation so a failure on one file
// never corrupts the recorded state of the others.
func (e *Engine) saveIndex() {
	if err := e.index.Save(); err != nil {
		slog.Error("Failed to save sync index", "namespace", e.namespace, "error", err)
	}
}

// absorbEchoes advances the cursor past the ledger entries produced by this
// pass's own writes, so the next pass starts from a clean delta.
func (e *Engine) absorbEchoes(ctx context.Context, cursor int64, report *Report) int64 {
	if len(report.Uploaded)+len(report.DeletedRemote) == 0 {
		return cursor
	}

	echo, err := e.store.Changes(ctx, e.namespace, cursor)
	if err != nil {
		return cursor
	}
	for _, entry := range echo.Entries {
		idxEntry, indexed := e.index.Entries[entry.Path]
		if entry.Deleted && !indexed {
			cursor = entry.Seq
			continue
		}
		if indexed && idxEntry.Version == entry.Version {
			cursor = entry.Seq
			continue
		}
		// Foreign write; leave it for the next pass.
		break
	}
	return cursor
}

func (e *Engine) scanLocal() (map[string]localFile, error) {
	locals := make(map[string]localFile)

	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == e.root {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != e.root && e.ignored(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if e.ignored(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(e.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		digest, err := e.cache.GetOrCompute(path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		locals[rel] = localFile{md5: digest, size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", e.root, err)
	}
	return locals, nil
}

func (e *Engine) ignored(name string) bool {
	if len(name) > 0 && name[0] == '.' {
		return true
	}
	for _, pattern := range e.ignore {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func unionPaths(locals map[string]localFile, localDeleted map[string]bool, remote map[string]manifest.Entry) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	for path := range locals {
		add(path)
	}
	for path := range localDeleted {
		add(path)
	}
	for path := range remote {
		add(path)
	}
	sort.Strings(paths)
	return paths
}
