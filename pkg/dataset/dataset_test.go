package dataset

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/robolog-io/robolog/pkg/sensorlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// newTestDataset writes two small log files and a fresh identity manifest.
func newTestDataset(tb testing.TB) *Dataset {
	tb.Helper()
	d := Open(tb.TempDir(), tb.TempDir(), testLogger())
	for _, name := range []string{"gps", "imu"} {
		w, err := sensorlog.Create(filepath.Join(d.Dir, name+sensorlog.Extension),
			[]sensorlog.Channel{{Name: name}})
		require.NoError(tb, err)
		require.NoError(tb, w.Append(sensorlog.Record{Channel: 0, Realtime: 1, Logical: 1, Payload: []byte(name)}))
		require.NoError(tb, w.Close())
	}
	entries, err := d.ComputeIdentityFromFiles()
	require.NoError(tb, err)
	require.NoError(tb, d.WriteIdentityManifest(entries))
	return d
}

func TestManifestRoundtripValidates(t *testing.T) {
	d := newTestDataset(t)
	require.NoError(t, d.ValidateIdentity())
	require.NoError(t, d.WeakValidateIdentity())

	dg, err := d.Digest()
	require.NoError(t, err)
	assert.False(t, dg.IsZero())
}

func TestTamperDetection(t *testing.T) {
	t.Run("flipped byte", func(t *testing.T) {
		d := newTestDataset(t)
		path := filepath.Join(d.Dir, "gps"+sensorlog.Extension)
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, raw, 0o644))

		err = d.ValidateIdentity()
		var mm *IdentityMismatchError
		require.ErrorAs(t, err, &mm)
		assert.Equal(t, DigestMismatch, mm.Kind)
		assert.Equal(t, "gps"+sensorlog.Extension, mm.Path)

		// Size unchanged, so the weak check stays green.
		assert.NoError(t, d.WeakValidateIdentity())
	})

	t.Run("deleted file", func(t *testing.T) {
		d := newTestDataset(t)
		require.NoError(t, os.Remove(filepath.Join(d.Dir, "imu"+sensorlog.Extension)))

		err := d.ValidateIdentity()
		var mm *IdentityMismatchError
		require.ErrorAs(t, err, &mm)
		assert.Equal(t, MissingFile, mm.Kind)
		assert.Equal(t, "imu"+sensorlog.Extension, mm.Path)

		err = d.WeakValidateIdentity()
		require.ErrorAs(t, err, &mm)
		assert.Equal(t, MissingFile, mm.Kind)
	})

	t.Run("extra file", func(t *testing.T) {
		d := newTestDataset(t)
		w, err := sensorlog.Create(filepath.Join(d.Dir, "rogue"+sensorlog.Extension),
			[]sensorlog.Channel{{Name: "rogue"}})
		require.NoError(t, err)
		require.NoError(t, w.Close())

		verr := d.ValidateIdentity()
		var mm *IdentityMismatchError
		require.ErrorAs(t, verr, &mm)
		assert.Equal(t, ExtraFile, mm.Kind)
		assert.Equal(t, "rogue"+sensorlog.Extension, mm.Path)
	})

	t.Run("truncated file", func(t *testing.T) {
		d := newTestDataset(t)
		path := filepath.Join(d.Dir, "gps"+sensorlog.Extension)
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, info.Size()-1))

		err = d.WeakValidateIdentity()
		var mm *IdentityMismatchError
		require.ErrorAs(t, err, &mm)
		assert.Equal(t, SizeMismatch, mm.Kind)
	})
}

func TestInvalidLayoutVersion(t *testing.T) {
	d := newTestDataset(t)
	path := filepath.Join(d.Dir, ManifestName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, yaml.Unmarshal(raw, &m))
	m["layout_version"] = 99
	raw, err = yaml.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	err = d.ValidateIdentity()
	assert.ErrorIs(t, err, ErrInvalidLayoutVersion)
}

func TestMetadataSetSemantics(t *testing.T) {
	d := newTestDataset(t)
	require.NoError(t, d.AddMeta("robot", "r2"))
	require.NoError(t, d.AddMeta("robot", "r2", "r3"))
	require.NoError(t, d.AddMeta("site", "lab"))

	// A fresh handle reads what was persisted.
	d2 := Open(d.Dir, d.CacheDir, testLogger())
	vals, err := d2.FetchAllMeta("robot")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3"}, vals)

	site, err := d2.FetchMeta("site")
	require.NoError(t, err)
	assert.Equal(t, "lab", site)

	_, err = d2.FetchMeta("robot")
	assert.ErrorIs(t, err, ErrMultipleValues)

	_, err = d2.FetchMeta("absent")
	assert.ErrorIs(t, err, ErrNoValue)

	v, err := d2.FetchMetaDefault("absent", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	_, err = d2.FetchMetaDefault("robot", "fallback")
	assert.ErrorIs(t, err, ErrMultipleValues)
}

func TestMatchesQuery(t *testing.T) {
	d := newTestDataset(t)
	require.NoError(t, d.AddMeta("robot", "r2", "r3"))

	ok, err := d.MatchesQuery(map[string][]string{"robot": {"r2"}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.MatchesQuery(map[string][]string{"robot": {"r2", "r4"}})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.MatchesQuery(map[string][]string{"missing": {"x"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamsOpen(t *testing.T) {
	d := newTestDataset(t)
	set, err := d.Streams()
	require.NoError(t, err)
	defer set.Close()
	assert.ElementsMatch(t, []string{"gps", "imu"}, set.Names())
}
