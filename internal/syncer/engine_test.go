package syncer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/drover/internal/manifest"
)

// client bundles a sync root with its own index and cache, standing in for
// one process syncing against the shared store.
type client struct {
	t      *testing.T
	store  manifest.Store
	root   string
	index  string
	cache  string
	engine *Engine
}

func newClient(t *testing.T, store manifest.Store, namespace string) *client {
	t.Helper()
	base := t.TempDir()
	c := &client{
		t:     t,
		store: store,
		root:  filepath.Join(base, "root"),
		index: filepath.Join(base, "index.json"),
		cache: filepath.Join(base, "cache.json"),
	}
	require.NoError(t, os.MkdirAll(c.root, 0o755))
	c.reload(namespace)
	return c
}

// reload rebuilds the engine from persisted state, like a fresh process.
func (c *client) reload(namespace string) {
	c.t.Helper()
	idx, err := LoadIndex(c.index)
	require.NoError(c.t, err)
	cache, err := NewMD5Cache(c.cache, 64)
	require.NoError(c.t, err)
	c.engine = NewEngine(c.store, namespace, c.root, idx, cache, Options{})
}

func (c *client) write(rel, content string) {
	c.t.Helper()
	target := filepath.Join(c.root, filepath.FromSlash(rel))
	require.NoError(c.t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(c.t, os.WriteFile(target, []byte(content), 0o644))
}

func (c *client) read(rel string) string {
	c.t.Helper()
	data, err := os.ReadFile(filepath.Join(c.root, filepath.FromSlash(rel)))
	require.NoError(c.t, err)
	return string(data)
}

func (c *client) remove(rel string) {
	c.t.Helper()
	require.NoError(c.t, os.Remove(filepath.Join(c.root, filepath.FromSlash(rel))))
}

func (c *client) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(c.root, filepath.FromSlash(rel)))
	return err == nil
}

func (c *client) sync() *Report {
	c.t.Helper()
	report, err := c.engine.Sync(context.Background())
	require.NoError(c.t, err)
	return report
}

func newStore(t *testing.T) *manifest.FileStore {
	t.Helper()
	store, err := manifest.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestFirstSyncUploadsEverything(t *testing.T) {
	store := newStore(t)
	c := newClient(t, store, "memory")
	c.write("a.md", "alpha")
	c.write("nested/b.md", "beta")

	report := c.sync()
	assert.ElementsMatch(t, []string{"a.md", "nested/b.md"}, report.Uploaded)
	assert.Empty(t, report.Conflicts)

	blob, err := store.Read(context.Background(), "memory", "nested/b.md")
	require.NoError(t, err)
	assert.Equal(t, "beta", string(blob.Content))
}

func TestSecondPassIsNoOp(t *testing.T) {
	store := newStore(t)
	c := newClient(t, store, "memory")
	c.write("a.md", "alpha")
	c.sync()

	indexBefore, err := os.ReadFile(c.index)
	require.NoError(t, err)

	report := c.sync()
	assert.True(t, report.NoOp, "no intervening change means a no-op pass")
	assert.Empty(t, report.Uploaded)
	assert.Empty(t, report.Downloaded)

	// No writes, no version bumps.
	blob, err := store.Read(context.Background(), "memory", "a.md")
	require.NoError(t, err)
	assert.Equal(t, int64(1), blob.Version)

	indexAfter, err := os.ReadFile(c.index)
	require.NoError(t, err)
	assert.Equal(t, indexBefore, indexAfter, "index content is identical after a no-op pass")
}

func TestRoundTripBetweenClients(t *testing.T) {
	store := newStore(t)
	a := newClient(t, store, "memory")
	b := newClient(t, store, "memory")

	a.write("shared.md", "written by A")
	a.sync()

	report := b.sync()
	assert.Equal(t, []string{"shared.md"}, report.Downloaded)
	assert.Equal(t, "written by A", b.read("shared.md"))

	// B's follow-up pass is clean.
	assert.True(t, b.sync().NoOp)
}

func TestModificationPropagates(t *testing.T) {
	store := newStore(t)
	a := newClient(t, store, "memory")
	b := newClient(t, store, "memory")

	a.write("doc.md", "v1")
	a.sync()
	b.sync()

	a.write("doc.md", "v2")
	a.sync()

	report := b.sync()
	assert.Equal(t, []string{"doc.md"}, report.Downloaded)
	assert.Equal(t, "v2", b.read("doc.md"))
}

func TestDeletionPropagatesBothWays(t *testing.T) {
	store := newStore(t)
	a := newClient(t, store, "memory")
	b := newClient(t, store, "memory")

	a.write("keep.md", "k")
	a.write("gone.md", "g")
	a.sync()
	b.sync()

	// Local deletion propagates to the store as a tombstone.
	a.remove("gone.md")
	report := a.sync()
	assert.Equal(t, []string{"gone.md"}, report.DeletedRemote)

	// And from the store to the other client.
	report = b.sync()
	assert.Equal(t, []string{"gone.md"}, report.DeletedLocal)
	assert.False(t, b.exists("gone.md"))
	assert.True(t, b.exists("keep.md"))
}

func TestBothModifiedIsExactlyOneConflict(t *testing.T) {
	store := newStore(t)
	a := newClient(t, store, "memory")
	b := newClient(t, store, "memory")

	a.write("x.txt", "base")
	a.sync()
	b.sync()

	a.write("x.txt", "A change")
	a.sync()
	b.write("x.txt", "B change")

	report := b.sync()
	require.Len(t, report.Conflicts, 1)
	conflict := report.Conflicts[0]
	assert.Equal(t, "x.txt", conflict.Path)
	assert.Equal(t, "both modified", conflict.Reason)

	// Neither side was applied automatically.
	assert.Equal(t, "B change", b.read("x.txt"))
	blob, err := store.Read(context.Background(), "memory", "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "A change", string(blob.Content))

	// The conflict persists on the next pass until resolved.
	report = b.sync()
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "x.txt", report.Conflicts[0].Path)
}

func TestDeleteVersusModifyConflicts(t *testing.T) {
	store := newStore(t)
	a := newClient(t, store, "memory")
	b := newClient(t, store, "memory")

	a.write("x.txt", "base")
	a.sync()
	b.sync()

	a.write("x.txt", "modified by A")
	a.sync()
	b.remove("x.txt")

	report := b.sync()
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "local deleted, remote modified", report.Conflicts[0].Reason)

	// Remote content untouched.
	blob, err := store.Read(context.Background(), "memory", "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "modified by A", string(blob.Content))
}

func TestBothDeletedAgree(t *testing.T) {
	store := newStore(t)
	a := newClient(t, store, "memory")
	b := newClient(t, store, "memory")

	a.write("x.txt", "base")
	a.sync()
	b.sync()

	a.remove("x.txt")
	a.sync()
	b.remove("x.txt")

	report := b.sync()
	assert.Empty(t, report.Conflicts, "matching deletions are agreement, not conflict")
	assert.True(t, b.sync().NoOp)
}

func TestBootstrapMerge(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Remote namespace already has b.txt.
	_, err := store.Write(ctx, "memory", "b.txt", []byte("2"), manifest.VersionNone)
	require.NoError(t, err)

	// Local root has a.txt and an empty index.
	c := newClient(t, store, "memory")
	c.write("a.txt", "1")

	report := c.sync()
	assert.Equal(t, []string{"a.txt"}, report.Uploaded)
	assert.Equal(t, []string{"b.txt"}, report.Downloaded)
	assert.Empty(t, report.Conflicts)

	// Both sides now hold both files.
	assert.Equal(t, "1", c.read("a.txt"))
	assert.Equal(t, "2", c.read("b.txt"))
	blobA, err := store.Read(ctx, "memory", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "1", string(blobA.Content))

	// Index records both with the store's versions.
	idx, err := LoadIndex(c.index)
	require.NoError(t, err)
	require.Contains(t, idx.Entries, "a.txt")
	require.Contains(t, idx.Entries, "b.txt")
	assert.Equal(t, blobA.Version, idx.Entries["a.txt"].Version)

	assert.True(t, c.sync().NoOp)
}

func TestBootstrapMatchingContentSkipsTransfer(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, "memory", "same.txt", []byte("identical"), manifest.VersionNone)
	require.NoError(t, err)

	c := newClient(t, store, "memory")
	c.write("same.txt", "identical")

	report := c.sync()
	assert.Empty(t, report.Uploaded)
	assert.Empty(t, report.Downloaded)
	assert.Empty(t, report.Conflicts)

	// Marked synced without a version bump.
	blob, err := store.Read(ctx, "memory", "same.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), blob.Version)
}

func TestBootstrapDifferingContentConflicts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, "memory", "clash.txt", []byte("remote version"), manifest.VersionNone)
	require.NoError(t, err)

	c := newClient(t, store, "memory")
	c.write("clash.txt", "local version")

	report := c.sync()
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "bootstrap content differs", report.Conflicts[0].Reason)
	assert.Equal(t, "local version", c.read("clash.txt"))
}

// staleStore hides remote changes from the delta so the engine's write
// races the store's precondition check, like a concurrent writer landing
// between the manifest fetch and the upload.
type staleStore struct {
	manifest.Store
}

func (s *staleStore) Changes(ctx context.Context, namespace string, since int64) (*manifest.Manifest, error) {
	m, err := s.Store.Changes(ctx, namespace, since)
	if err != nil {
		return nil, err
	}
	return &manifest.Manifest{Namespace: m.Namespace, Cursor: since}, nil
}

func TestStaleUploadSurfacesConflict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	a := newClient(t, store, "memory")
	b := newClient(t, store, "memory")
	a.write("x.txt", "base")
	a.sync()
	b.sync()

	// A lands first.
	a.write("x.txt", "A wins the race")
	a.sync()

	// B writes with a stale expected version and a delta that never
	// showed A's change.
	b.engine.store = &staleStore{Store: store}
	b.write("x.txt", "B loses the race")

	report, err := b.engine.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "stale upload, remote changed concurrently", report.Conflicts[0].Reason)

	// A's content survived.
	blob, err := store.Read(ctx, "memory", "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "A wins the race", string(blob.Content))

	// B's next normal pass still surfaces the divergence.
	b.engine.store = store
	report, err = b.engine.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "x.txt", report.Conflicts[0].Path)
}

type keepLocalResolver struct{}

func (keepLocalResolver) Resolve(Conflict) Resolution { return ResolutionKeepLocal }

func TestResolverKeepLocal(t *testing.T) {
	store := newStore(t)
	a := newClient(t, store, "memory")
	b := newClient(t, store, "memory")

	a.write("x.txt", "base")
	a.sync()
	b.sync()

	a.write("x.txt", "A change")
	a.sync()
	b.write("x.txt", "B change")
	b.engine.resolver = keepLocalResolver{}

	report := b.sync()
	assert.Empty(t, report.Conflicts)
	assert.Equal(t, []string{"x.txt"}, report.Uploaded)

	blob, err := store.Read(context.Background(), "memory", "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "B change", string(blob.Content))
}

func TestIgnoredFilesAreNotSynced(t *testing.T) {
	store := newStore(t)
	c := newClient(t, store, "memory")
	c.engine.ignore = []string{"*.swp"}

	c.write("real.md", "content")
	c.write("junk.swp", "scratch")
	c.write(".hidden", "dotfile")

	report := c.sync()
	assert.Equal(t, []string{"real.md"}, report.Uploaded)
}

func TestIgnoredDirectoriesAreNotDescended(t *testing.T) {
	store := newStore(t)
	c := newClient(t, store, "memory")
	c.engine.ignore = []string{"node_modules"}

	c.write("src/main.go", "package main")
	c.write(".git/config", "[core]")
	c.write(".git/objects/ab/cdef", "blob")
	c.write("node_modules/dep/index.js", "module.exports = {}")

	report := c.sync()
	assert.Equal(t, []string{"src/main.go"}, report.Uploaded)

	// Nothing under the skipped directories reached the store.
	_, err := store.Read(context.Background(), "memory", ".git/config")
	assert.Error(t, err)
	_, err = store.Read(context.Background(), "memory", "node_modules/dep/index.js")
	assert.Error(t, err)
}

func TestEmptyEverythingIsNoOp(t *testing.T) {
	store := newStore(t)
	c := newClient(t, store, "memory")

	report := c.sync()
	assert.True(t, report.NoOp)
}
