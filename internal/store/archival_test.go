package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskpilot/internal/memory"
)

func newTestStore(t *testing.T) *ArchivalStore {
	t.Helper()
	s, err := OpenArchival(filepath.Join(t.TempDir(), "archival", "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	payload := []byte(`{"id":"page-1","content":"window state","tags":["observation"]}`)
	require.NoError(t, s.Put("page-1", payload))

	got, err := s.Get("page-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestPutUpsertsAtomically(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("k", []byte("v1")))
	require.NoError(t, s.Put("k", []byte("v2")))

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSearchSubstring(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("a", []byte(`{"tags":["priority-1-tag"],"content":"old note"}`)))
	require.NoError(t, s.Put("b", []byte(`{"tags":["observation"],"content":"screen state"}`)))
	require.NoError(t, s.Put("c", []byte(`{"tags":["observation"],"content":"another screen"}`)))

	ids, err := s.Search("priority-1-tag", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	ids, err = s.Search("observation", 5)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	ids, err = s.Search("observation", 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	ids, err = s.Search("absent", 5)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSearchTextFollowsUpsert(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("k", []byte(`{"content":"first draft","tags":["note"]}`)))
	require.NoError(t, s.Put("k", []byte(`{"content":"final version","tags":["note"]}`)))

	ids, err := s.Search("first draft", 5)
	require.NoError(t, err)
	assert.Empty(t, ids, "replaced content must not stay searchable")

	ids, err = s.Search("final version", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, ids)
}

func TestSearchNonItemBlobsVerbatim(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("raw", []byte("plain opaque payload")))

	ids, err := s.Search("opaque", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"raw"}, ids)
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Delete("k"))

	_, err := s.Get("k")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestMemStoreContract(t *testing.T) {
	s := NewMemStore()

	require.NoError(t, s.Put("a", []byte("alpha content")))
	require.NoError(t, s.Put("b", []byte("beta content")))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha content"), got)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	ids, err := s.Search("content", 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	// Newest first.
	assert.Equal(t, "b", ids[0])

	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Delete("a"))
	assert.Equal(t, 1, s.Len())
}
