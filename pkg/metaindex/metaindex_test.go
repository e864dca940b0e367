package metaindex

import (
	"log/slog"
	"os"
	"testing"

	"github.com/robolog-io/robolog/pkg/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(tb testing.TB) *Index {
	tb.Helper()
	ix, err := Open(tb.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestPutFindRemove(t *testing.T) {
	ix := openTestIndex(t)
	d1 := digest.Digest{1}
	d2 := digest.Digest{2}

	require.NoError(t, ix.Put(d1, map[string][]string{"robot": {"r2"}, "site": {"lab"}}))
	require.NoError(t, ix.Put(d2, map[string][]string{"robot": {"r2", "r3"}}))

	got, err := ix.Find(map[string][]string{"robot": {"r2"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []digest.Digest{d1, d2}, got)

	got, err = ix.Find(map[string][]string{"robot": {"r2"}, "site": {"lab"}})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d1}, got)

	got, err = ix.Find(map[string][]string{"robot": {"r2", "r3"}})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d2}, got)

	got, err = ix.Find(nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []digest.Digest{d1, d2}, got)

	require.NoError(t, ix.Remove(d1))
	got, err = ix.Find(map[string][]string{"site": {"lab"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPutReplaces(t *testing.T) {
	ix := openTestIndex(t)
	d := digest.Digest{7}
	require.NoError(t, ix.Put(d, map[string][]string{"tag": {"old"}}))
	require.NoError(t, ix.Put(d, map[string][]string{"tag": {"new"}}))

	got, err := ix.Find(map[string][]string{"tag": {"old"}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ix.Find(map[string][]string{"tag": {"new"}})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d}, got)
}

func TestRebuild(t *testing.T) {
	ix := openTestIndex(t)
	require.NoError(t, ix.Put(digest.Digest{9}, map[string][]string{"stale": {"yes"}}))

	err := ix.Rebuild(func(emit func(digest.Digest, map[string][]string) error) error {
		return emit(digest.Digest{1}, map[string][]string{"fresh": {"yes"}})
	})
	require.NoError(t, err)

	got, err := ix.Find(map[string][]string{"stale": {"yes"}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ix.Find(map[string][]string{"fresh": {"yes"}})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{digest.Digest{1}}, got)
}
