package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogmesh/fog/pkg/entry"
	"github.com/fogmesh/fog/testutil"
)

func TestImportDir(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	testutil.WriteFile(t, dir, "a.txt", "alpha")
	testutil.WriteFile(t, dir, "sub/b.txt", "beta")
	testutil.WriteFile(t, dir, "sub/.fog-123.tmp", "partial")

	mtime := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.txt"), mtime, mtime))

	tree := entry.NewTree()
	res, err := ImportDir(tree, "/media", dir, MD5)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Empty(t, res.Conflicts)

	a, ok := tree.File("/media/a.txt")
	require.True(t, ok)
	assert.Equal(t, testutil.MD5("alpha"), a.Digest())
	assert.True(t, mtime.Equal(a.Updated()))

	b, ok := tree.File("/media/sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, testutil.MD5("beta"), b.Digest())

	_, ok = tree.File("/media/sub/.fog-123.tmp")
	assert.False(t, ok)

	// Re-import is idempotent.
	res, err = ImportDir(tree, "media/", dir, MD5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 2, res.Unchanged)

	// Changing a file yields a conflict and keeps the old entry.
	testutil.WriteFile(t, dir, "a.txt", "changed")
	res, err = ImportDir(tree, "/media", dir, MD5)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "/media/a.txt", res.Conflicts[0].Existing.Path())

	a, _ = tree.File("/media/a.txt")
	assert.Equal(t, testutil.MD5("alpha"), a.Digest())
}

func TestImportDir_SkipsUnsupportedNames(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.WriteFile(t, dir, "ok.txt", "fine")

	skipped := 0
	for _, name := range []string{"line\nbreak.txt", "tab\tname.txt", "bad\xff.txt"} {
		// Some filesystems refuse these names outright.
		if err := os.WriteFile(filepath.Join(dir, name), []byte("odd"), 0644); err == nil {
			skipped++
		}
	}

	tree := entry.NewTree()
	res, err := ImportDir(tree, "/s", dir, MD5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, skipped, res.Skipped)
	assert.Equal(t, 1, tree.Len())

	loaded := entry.NewTree()
	require.NoError(t, loaded.LoadText(tree.SaveText()))
	assert.Equal(t, 1, loaded.Len())

	for _, e := range tree.Entries() {
		data, err := e.MarshalBinary()
		require.NoError(t, err)
		_, err = entry.Decode(data)
		assert.NoError(t, err)
	}
}

func TestImportDir_Root(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.WriteFile(t, dir, "top.txt", "t")

	tree := entry.NewTree()
	_, err := ImportDir(tree, "", dir, SHA256)
	require.NoError(t, err)

	_, ok := tree.File("/top.txt")
	assert.True(t, ok)
}

func TestImportDir_Errors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := ImportDir(entry.NewTree(), "/", filepath.Join(dir, "missing"), MD5)
	assert.Error(t, err)

	file := testutil.TempFile(t, dir, "plain.txt", "x")
	_, err = ImportDir(entry.NewTree(), "/", file, MD5)
	assert.Error(t, err)
}
