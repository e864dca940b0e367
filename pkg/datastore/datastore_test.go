package datastore

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/robolog-io/robolog/pkg/compression"
	"github.com/robolog-io/robolog/pkg/dataset"
	"github.com/robolog-io/robolog/pkg/digest"
	"github.com/robolog-io/robolog/pkg/sensorlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newTestStore(tb testing.TB) *Store {
	tb.Helper()
	s, err := Create(tb.TempDir(), Options{Logger: testLogger()})
	require.NoError(tb, err)
	return s
}

// writeSource creates an import source directory whose content, and hence
// digest, depends on seed.
func writeSource(tb testing.TB, seed string) string {
	tb.Helper()
	dir := tb.TempDir()
	w, err := sensorlog.Create(filepath.Join(dir, "run"+sensorlog.Extension),
		[]sensorlog.Channel{{Name: "gps"}})
	require.NoError(tb, err)
	require.NoError(tb, w.Append(sensorlog.Record{Channel: 0, Realtime: 1, Logical: 1, Payload: []byte(seed)}))
	require.NoError(tb, w.Close())
	return dir
}

func importSeed(tb testing.TB, s *Store, seed string, meta map[string][]string) *dataset.Dataset {
	tb.Helper()
	ds, err := s.Import(writeSource(tb, seed), ImportOptions{Metadata: meta})
	require.NoError(tb, err)
	return ds
}

func datasetDigest(tb testing.TB, ds *dataset.Dataset) digest.Digest {
	tb.Helper()
	dg, err := ds.Digest()
	require.NoError(tb, err)
	return dg
}

func TestCreateIdempotent(t *testing.T) {
	root := t.TempDir()
	_, err := Create(root, Options{Logger: testLogger()})
	require.NoError(t, err)
	_, err = Create(root, Options{Logger: testLogger()})
	require.NoError(t, err)
	for _, sub := range []string{"core", "cache", "incoming"} {
		info, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestImportPublishesAtomically(t *testing.T) {
	s := newTestStore(t)
	ds := importSeed(t, s, "alpha", nil)
	dg := datasetDigest(t, ds)

	assert.True(t, s.Has(dg))
	require.NoError(t, ds.ValidateIdentity())

	// The staging area is cleaned up.
	entries, err := os.ReadDir(filepath.Join(s.Root, "incoming"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The import built the stream index into cache/.
	_, err = os.Stat(filepath.Join(s.Root, "cache", dg.String(), "run.rlog.rlix"))
	require.NoError(t, err)
}

func TestImportCollision(t *testing.T) {
	s := newTestStore(t)
	first := importSeed(t, s, "same", nil)
	second := importSeed(t, s, "same", nil)
	assert.Equal(t, first.Dir, second.Dir)

	forced, err := s.Import(writeSource(t, "same"), ImportOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, first.Dir, forced.Dir)
	require.NoError(t, forced.ValidateIdentity())
}

func TestInIncomingCleansUpOnError(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")
	err := s.InIncoming(false, func(corePath, cachePath string) error {
		require.NoError(t, os.WriteFile(filepath.Join(corePath, "partial"), []byte("x"), 0o644))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := os.ReadDir(filepath.Join(s.Root, "incoming"))
	require.NoError(t, err)
	assert.Empty(t, entries, "failed staging dir must be removed")

	core, err := os.ReadDir(filepath.Join(s.Root, "core"))
	require.NoError(t, err)
	assert.Empty(t, core, "core must be untouched by a failed import")
}

func TestInIncomingKeep(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InIncoming(true, func(corePath, cachePath string) error {
		return nil
	}))
	entries, err := os.ReadDir(filepath.Join(s.Root, "incoming"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetByDigestAndPrefix(t *testing.T) {
	s := newTestStore(t)
	ds := importSeed(t, s, "alpha", nil)
	dg := datasetDigest(t, ds)

	got, err := s.Get(dg.String(), GetOptions{Validate: ValidateFull})
	require.NoError(t, err)
	assert.Equal(t, ds.Dir, got.Dir)

	got, err = s.Get(dg.String()[:8], GetOptions{Validate: ValidateWeak})
	require.NoError(t, err)
	assert.Equal(t, ds.Dir, got.Dir)

	_, err = s.Get("ffffffff", GetOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAmbiguousPrefix(t *testing.T) {
	s := newTestStore(t)
	importSeed(t, s, "one", nil)
	importSeed(t, s, "two", nil)

	// The empty prefix matches both datasets.
	_, err := s.Get("", GetOptions{})
	var amb *AmbiguousDigestError
	require.ErrorAs(t, err, &amb)
	assert.Len(t, amb.Matches, 2)
}

func TestRedirectResolution(t *testing.T) {
	s := newTestStore(t)
	ds := importSeed(t, s, "target", nil)
	target := datasetDigest(t, ds)

	a := digest.Digest{0xAA}
	b := digest.Digest{0xBB}
	require.NoError(t, s.WriteRedirect(b, target, nil))
	require.NoError(t, s.WriteRedirect(a, b, map[string]string{"reason": "test"}))

	got, err := s.ResolveRedirect(a)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	// Get through a redirect lands on the real dataset.
	viaRedirect, err := s.Get(a.String(), GetOptions{Validate: ValidateFull})
	require.NoError(t, err)
	assert.Equal(t, ds.Dir, viaRedirect.Dir)
}

func TestFindByMetadata(t *testing.T) {
	s := newTestStore(t)
	importSeed(t, s, "one", map[string][]string{"robot": {"r2"}, "site": {"lab"}})
	importSeed(t, s, "two", map[string][]string{"robot": {"r2"}, "site": {"field"}})

	all, err := s.FindAll(map[string][]string{"robot": {"r2"}})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := s.Find(map[string][]string{"site": {"lab"}})
	require.NoError(t, err)
	require.NotNil(t, one)

	_, err = s.Find(map[string][]string{"robot": {"r2"}})
	var amb *AmbiguousMatchError
	assert.ErrorAs(t, err, &amb)

	_, err = s.Find(map[string][]string{"site": {"moon"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindViaMetaIndex(t *testing.T) {
	root := t.TempDir()
	s, err := Create(root, Options{Logger: testLogger(), MetaIndex: true})
	require.NoError(t, err)
	defer s.Close()

	importSeed(t, s, "one", map[string][]string{"robot": {"r2"}})
	importSeed(t, s, "two", map[string][]string{"robot": {"r3"}})

	all, err := s.FindAll(map[string][]string{"robot": {"r3"}})
	require.NoError(t, err)
	require.Len(t, all, 1)

	// Rebuild must reach the same answer from scratch.
	require.NoError(t, s.RebuildMetaIndex())
	all, err = s.FindAll(map[string][]string{"robot": {"r3"}})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestShortDigestLengthens(t *testing.T) {
	s := newTestStore(t)
	ds := importSeed(t, s, "solo", nil)
	dg := datasetDigest(t, ds)

	short := s.ShortDigest(dg, 8)
	assert.Equal(t, dg.String()[:8], short)

	// The short form resolves back to the dataset.
	got, err := s.Get(short, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, ds.Dir, got.Dir)

	// Plant a colliding entry sharing the prefix; a fresh ShortDigest call
	// must lengthen to the full digest.
	collider := dg
	collider[digest.Size-1] ^= 0xFF
	require.NoError(t, os.Mkdir(filepath.Join(s.Root, "core", collider.String()), 0o755))
	assert.Equal(t, dg.String(), s.ShortDigest(dg, 8))
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ds := importSeed(t, s, "gone", nil)
	dg := datasetDigest(t, ds)

	require.NoError(t, s.Delete(dg))
	assert.False(t, s.Has(dg))
	_, err := os.Stat(filepath.Join(s.Root, "cache", dg.String()))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRepairMovesAndRedirects(t *testing.T) {
	s := newTestStore(t)
	ds := importSeed(t, s, "original", nil)
	before := datasetDigest(t, ds)

	// Tamper with the payload so identity no longer matches the manifest.
	logPath := filepath.Join(ds.Dir, "run"+sensorlog.Extension)
	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(logPath, raw, 0o644))
	require.Error(t, ds.ValidateIdentity())

	repaired, err := s.Repair(ds)
	require.NoError(t, err)
	after := datasetDigest(t, repaired)
	assert.NotEqual(t, before, after)
	require.NoError(t, repaired.ValidateIdentity())

	// Old digest keeps resolving through the redirect.
	resolved, err := s.ResolveRedirect(before)
	require.NoError(t, err)
	assert.Equal(t, after, resolved)

	// Cache moved along with core.
	_, err = os.Stat(filepath.Join(s.Root, "cache", after.String()))
	require.NoError(t, err)
}

func TestUpdatingDigestNoChange(t *testing.T) {
	s := newTestStore(t)
	ds := importSeed(t, s, "steady", nil)

	same, err := s.UpdatingDigest(ds, func(d *dataset.Dataset) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, ds.Dir, same.Dir)
}

func TestDiskUsage(t *testing.T) {
	s := newTestStore(t)
	importSeed(t, s, "usage", nil)
	u, err := s.DiskUsage()
	require.NoError(t, err)
	assert.Greater(t, u.StoreBytes, uint64(0))
	assert.Greater(t, u.TotalBytes, uint64(0))
}

func TestImportDecompressesXZSources(t *testing.T) {
	raw := writeSource(t, "xzseed")

	// Compress the log into a second source dir.
	compressed := t.TempDir()
	in, err := os.ReadFile(filepath.Join(raw, "run.rlog"))
	require.NoError(t, err)
	out, err := os.Create(filepath.Join(compressed, "run.rlog.xz"))
	require.NoError(t, err)
	w, err := compression.NewXZWriter(out)
	require.NoError(t, err)
	_, err = w.Write(in)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	s := newTestStore(t)
	fromXZ, err := s.Import(compressed, ImportOptions{})
	require.NoError(t, err)
	require.NoError(t, fromXZ.ValidateIdentity())

	// Normalization: the compressed source yields the same identity as the
	// raw one.
	other := newTestStore(t)
	fromRaw, err := other.Import(raw, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, datasetDigest(t, fromRaw), datasetDigest(t, fromXZ))
}

func TestImportRejectsRawAndCompressedTwin(t *testing.T) {
	src := writeSource(t, "twin")
	in, err := os.ReadFile(filepath.Join(src, "run.rlog"))
	require.NoError(t, err)
	out, err := os.Create(filepath.Join(src, "run.rlog.xz"))
	require.NoError(t, err)
	w, err := compression.NewXZWriter(out)
	require.NoError(t, err)
	_, err = w.Write(in)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	s := newTestStore(t)
	_, err = s.Import(src, ImportOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run.rlog")

	// The failed import leaves no dataset and no staging residue.
	core, err := os.ReadDir(filepath.Join(s.Root, "core"))
	require.NoError(t, err)
	assert.Empty(t, core)
	incoming, err := os.ReadDir(filepath.Join(s.Root, "incoming"))
	require.NoError(t, err)
	assert.Empty(t, incoming)
}

func TestUpdatingDigestKeepsCoreOnCacheMoveFailure(t *testing.T) {
	s := newTestStore(t)
	ds := importSeed(t, s, "stranded", nil)
	before := datasetDigest(t, ds)

	logPath := filepath.Join(ds.Dir, "run"+sensorlog.Extension)
	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(logPath, raw, 0o644))

	entries, err := ds.ComputeIdentityFromFiles()
	require.NoError(t, err)
	after := digest.Entries(entries)

	// A non-empty directory squatting on the cache target makes the cache
	// rename fail before anything moves.
	squat := filepath.Join(s.Root, "cache", after.String())
	require.NoError(t, os.Mkdir(squat, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(squat, "junk"), []byte("x"), 0o644))

	_, err = s.Repair(ds)
	require.Error(t, err)

	// Core stays put under the old digest; nothing half-moved.
	_, err = os.Stat(filepath.Join(s.Root, "core", before.String()))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.Root, "core", after.String()))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.Root, "cache", before.String()))
	require.NoError(t, err)
}
