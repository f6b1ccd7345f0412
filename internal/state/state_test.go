package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogmesh/fog/pkg/entry"
	"github.com/fogmesh/fog/testutil"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newEntry(t *testing.T, path string, digest byte) *entry.Entry {
	t.Helper()
	e, err := entry.New(path, []byte{digest, digest, digest, digest}, baseTime)
	require.NoError(t, err)
	return e
}

func sampleSnapshot(t *testing.T) *Snapshot {
	token := uuid.New()
	storeA, storeB := uuid.New(), uuid.New()
	return &Snapshot{
		Nodes: []Node{
			{Token: token, Name: "N1", Host: "http://10.0.0.1:6681/", Stores: []uuid.UUID{storeA, storeB}, LastCheckIn: baseTime},
			{Token: uuid.New(), Name: "N2"},
		},
		Stores: []Store{
			{ID: storeA, Name: "photos", Owner: token, Entries: []*entry.Entry{newEntry(t, "/a.txt", 1)}},
			{ID: storeB, Name: "docs", Owner: token},
		},
		Entries: []*entry.Entry{
			newEntry(t, "/a.txt", 1),
			newEntry(t, "/dir/b.txt", 2),
		},
	}
}

func assertEntriesEqual(t *testing.T, want, got []*entry.Entry) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "entry %d: want %s, got %s", i, want[i], got[i])
	}
}

func TestFileBackend_LoadMissing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	snap, err := NewFileBackend(filepath.Join(dir, "none")).Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestFileBackend_RoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	b := NewFileBackend(dir)
	want := sampleSnapshot(t)
	require.NoError(t, b.Save(context.Background(), want))

	got, err := b.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, got.Nodes, 2)
	assert.Equal(t, want.Nodes[0].Token, got.Nodes[0].Token)
	assert.Equal(t, "N1", got.Nodes[0].Name)
	assert.Equal(t, "http://10.0.0.1:6681/", got.Nodes[0].Host)
	assert.Equal(t, want.Nodes[0].Stores, got.Nodes[0].Stores)
	assert.True(t, baseTime.Equal(got.Nodes[0].LastCheckIn))
	assert.Equal(t, "N2", got.Nodes[1].Name)
	assert.Empty(t, got.Nodes[1].Stores)

	require.Len(t, got.Stores, 2)
	assert.Equal(t, want.Stores[0].ID, got.Stores[0].ID)
	assert.Equal(t, want.Stores[0].Owner, got.Stores[0].Owner)
	assertEntriesEqual(t, want.Stores[0].Entries, got.Stores[0].Entries)
	assert.Empty(t, got.Stores[1].Entries)

	assertEntriesEqual(t, want.Entries, got.Entries)
}

func TestFileBackend_SavePrunesRemovedStores(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	b := NewFileBackend(dir)
	snap := sampleSnapshot(t)
	require.NoError(t, b.Save(context.Background(), snap))

	removed := snap.Stores[1].ID
	snap.Stores = snap.Stores[:1]
	require.NoError(t, b.Save(context.Background(), snap))

	_, err := os.Stat(b.storePath(removed))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(b.storePath(snap.Stores[0].ID))
	assert.NoError(t, err)
}

func TestFileBackend_CorruptIndex(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	testutil.WriteFile(t, dir, indexFile, "nodes: [ {")
	_, err := NewFileBackend(dir).Load(context.Background())
	assert.Error(t, err)
}

func TestFileBackend_CorruptInventory(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	b := NewFileBackend(dir)
	require.NoError(t, b.Save(context.Background(), sampleSnapshot(t)))
	testutil.WriteFile(t, dir, entriesFile, "not an entry line\n")

	_, err := b.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, entry.ErrMalformed)
}

func TestPeerState_RoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	want := &PeerState{
		Token:  uuid.New(),
		Name:   "N1",
		Server: "http://coord:6680/",
		Stores: []PeerStore{
			{ID: uuid.New(), Name: "photos", Path: "/srv/photos", Entries: []*entry.Entry{newEntry(t, "/a.txt", 7)}},
		},
	}
	require.NoError(t, SavePeer(dir, want))

	got, err := LoadPeer(dir)
	require.NoError(t, err)
	assert.Equal(t, want.Token, got.Token)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Server, got.Server)
	require.Len(t, got.Stores, 1)
	assert.Equal(t, want.Stores[0].ID, got.Stores[0].ID)
	assert.Equal(t, "/srv/photos", got.Stores[0].Path)
	assertEntriesEqual(t, want.Stores[0].Entries, got.Stores[0].Entries)
}

func TestPeerState_LoadMissing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	st, err := LoadPeer(dir)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, st.Token)
	assert.Empty(t, st.Stores)
}

func TestOpen(t *testing.T) {
	b, err := Open("file", "/tmp/fog-state", "")
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, b)

	_, err = Open("etcd", "", "")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestPostgresBackend_RoundTrip(t *testing.T) {
	url := os.Getenv("FOG_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FOG_TEST_DATABASE_URL not set")
	}

	b, err := OpenPostgres(url)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	want := sampleSnapshot(t)
	require.NoError(t, b.Save(context.Background(), want))

	got, err := b.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, want.Nodes[0].Stores, got.Nodes[0].Stores)
	require.Len(t, got.Stores, 2)
	assertEntriesEqual(t, want.Stores[0].Entries, got.Stores[0].Entries)
	assertEntriesEqual(t, want.Entries, got.Entries)
}
