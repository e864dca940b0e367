package stream

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robolog-io/robolog/pkg/sensorlog"
	"github.com/robolog-io/robolog/pkg/typedesc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// writeTwoChannelLog writes a log with gps samples at logical 10,20,30 and
// imu samples at 15,25.
func writeTwoChannelLog(tb testing.TB, dir string) {
	tb.Helper()
	w, err := sensorlog.Create(filepath.Join(dir, "sensors"+sensorlog.Extension), []sensorlog.Channel{
		{Name: "gps", Type: typedesc.Struct(map[string]string{"lat": "f64"})},
		{Name: "imu", Type: typedesc.Descriptor("bytes"), Metadata: map[string]string{"rate": "100hz"}},
	})
	require.NoError(tb, err)
	recs := []sensorlog.Record{
		{Channel: 0, Realtime: 1010, Logical: 10, Payload: []byte("g1")},
		{Channel: 1, Realtime: 1015, Logical: 15, Payload: []byte("i1")},
		{Channel: 0, Realtime: 1020, Logical: 20, Payload: []byte("g2")},
		{Channel: 1, Realtime: 1025, Logical: 25, Payload: []byte("i2")},
		{Channel: 0, Realtime: 1030, Logical: 30, Payload: []byte("g3")},
	}
	for _, rec := range recs {
		require.NoError(tb, w.Append(rec))
	}
	require.NoError(tb, w.Close())
}

func TestLoadSetScanThenFastPath(t *testing.T) {
	dir := t.TempDir()
	cache := t.TempDir()
	writeTwoChannelLog(t, dir)

	set, err := LoadSet(dir, cache, testLogger())
	require.NoError(t, err)
	defer set.Close()

	require.Len(t, set.All(), 2)
	gps, ok := set.ByName("gps")
	require.True(t, ok)
	assert.Equal(t, 3, gps.Index().Count)
	start, end, ok := gps.IntervalLogical()
	require.True(t, ok)
	assert.Equal(t, sensorlog.Timestamp(10), start)
	assert.Equal(t, sensorlog.Timestamp(30), end)

	// Scanning must have written the index file for future fast loads.
	indexPath := filepath.Join(cache, "sensors"+sensorlog.Extension+IndexExtension)
	_, err = os.Stat(indexPath)
	require.NoError(t, err)

	// Second load goes through the index file.
	set2, err := LoadSet(dir, cache, testLogger())
	require.NoError(t, err)
	defer set2.Close()
	imu, ok := set2.ByName("imu")
	require.True(t, ok)
	assert.Equal(t, 2, imu.Index().Count)
	assert.Equal(t, "100hz", imu.Metadata()["rate"])
}

func TestSampleAccess(t *testing.T) {
	dir := t.TempDir()
	writeTwoChannelLog(t, dir)
	set, err := LoadSet(dir, t.TempDir(), testLogger())
	require.NoError(t, err)
	defer set.Close()

	gps, _ := set.ByName("gps")
	n, err := gps.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rec, err := gps.SampleAt(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("g2"), rec.Payload)
	assert.Equal(t, sensorlog.Timestamp(20), rec.Logical)

	lt, err := gps.LogicalAt(2)
	require.NoError(t, err)
	assert.Equal(t, sensorlog.Timestamp(30), lt)

	_, err = gps.SampleAt(3)
	assert.Error(t, err)
}

func TestNarrowingIsLazyAndImmutable(t *testing.T) {
	dir := t.TempDir()
	writeTwoChannelLog(t, dir)
	set, err := LoadSet(dir, t.TempDir(), testLogger())
	require.NoError(t, err)
	defer set.Close()

	gps, _ := set.ByName("gps")

	narrowed := gps.FromLogical(15).ToLogical(25)
	// Narrowing adjusts bounds without opening the file.
	start, end, ok := narrowed.IntervalLogical()
	require.True(t, ok)
	assert.Equal(t, sensorlog.Timestamp(15), start)
	assert.Equal(t, sensorlog.Timestamp(25), end)

	n, err := narrowed.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	lt, err := narrowed.LogicalAt(0)
	require.NoError(t, err)
	assert.Equal(t, sensorlog.Timestamp(20), lt)

	// The original handle is untouched.
	full, err := gps.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, full)

	// Narrowing past the stream yields an empty view, not an error.
	empty := gps.FromLogical(100)
	_, _, ok = empty.IntervalLogical()
	assert.False(t, ok)
	n, err = empty.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexFileRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.rlix")
	in := []Index{
		{
			Name:             "gps",
			Type:             typedesc.Descriptor("struct<lat:f64>"),
			Metadata:         map[string]string{"frame": "wgs84"},
			Channel:          0,
			Count:            3,
			IntervalRealtime: Interval{Start: 1010, End: 1030},
			IntervalLogical:  Interval{Start: 10, End: 30},
		},
		{Name: "empty", Type: typedesc.Descriptor("bytes"), Channel: 1},
	}
	created := time.Unix(1700000000, 0)
	require.NoError(t, WriteIndexFile(path, created, in))

	out, createdAt, err := ReadIndexFile(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, created.Equal(createdAt))
}
