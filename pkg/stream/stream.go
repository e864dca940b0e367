package stream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robolog-io/robolog/pkg/sensorlog"
	"github.com/robolog-io/robolog/pkg/typedesc"
)

// position locates one sample of one channel inside the log file.
type position struct {
	offset   int64
	realtime sensorlog.Timestamp
	logical  sensorlog.Timestamp
}

// backing is the shared open-file state of all streams of one log file. The
// file is opened and the position tables built on first use only, and at
// most once; narrowed handles share the same backing.
type backing struct {
	logPath   string
	reader    *sensorlog.Reader
	positions [][]position
	loaded    bool
	loadErr   error
}

func (b *backing) load() error {
	if b.loaded {
		return b.loadErr
	}
	b.loaded = true

	r, err := sensorlog.Open(b.logPath)
	if err != nil {
		b.loadErr = err
		return err
	}
	b.reader = r
	b.positions = make([][]position, len(r.Channels()))
	for {
		rec, off, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			b.loadErr = fmt.Errorf("load positions %s: %w", b.logPath, err)
			return b.loadErr
		}
		b.positions[rec.Channel] = append(b.positions[rec.Channel], position{
			offset:   off,
			realtime: rec.Realtime,
			logical:  rec.Logical,
		})
	}
	return nil
}

func (b *backing) close() error {
	if b.reader == nil {
		return nil
	}
	err := b.reader.Close()
	b.reader = nil
	return err
}

// Stream is a lazy handle to one data stream. The backing log file is not
// opened until the first sample access. Narrowing the logical interval with
// FromLogical/ToLogical returns a new handle sharing the same backing and
// never touches disk.
type Stream struct {
	index Index
	b     *backing

	// Narrowed logical bounds. The zero bounds mean the full index interval.
	from, to       sensorlog.Timestamp
	hasFrom, hasTo bool

	// Effective sample window inside the channel's position table, resolved
	// on first read.
	first, count int
	resolved     bool
}

func (s *Stream) Name() string                { return s.index.Name }
func (s *Stream) Type() typedesc.Descriptor   { return s.index.Type }
func (s *Stream) Metadata() map[string]string { return s.index.Metadata }

// Index returns the stream's summary as loaded from the index file. For a
// narrowed handle the counts and intervals are those of the full stream.
func (s *Stream) Index() Index { return s.index }

// IntervalLogical returns the narrowed logical interval without opening the
// backing file. ok is false for empty streams and for narrowings that
// exclude the whole stream.
func (s *Stream) IntervalLogical() (start, end sensorlog.Timestamp, ok bool) {
	if s.index.Count == 0 {
		return 0, 0, false
	}
	start, end = s.index.IntervalLogical.Start, s.index.IntervalLogical.End
	if s.hasFrom && s.from > start {
		start = s.from
	}
	if s.hasTo && s.to < end {
		end = s.to
	}
	if start > end {
		return 0, 0, false
	}
	return start, end, true
}

// IntervalRealtime returns the full stream's realtime interval.
func (s *Stream) IntervalRealtime() (start, end sensorlog.Timestamp, ok bool) {
	if s.index.Count == 0 {
		return 0, 0, false
	}
	return s.index.IntervalRealtime.Start, s.index.IntervalRealtime.End, true
}

// FromLogical narrows the stream to samples with logical time >= t. The
// receiver is unchanged.
func (s *Stream) FromLogical(t sensorlog.Timestamp) *Stream {
	dup := *s
	dup.resolved = false
	if !dup.hasFrom || t > dup.from {
		dup.from = t
		dup.hasFrom = true
	}
	return &dup
}

// ToLogical narrows the stream to samples with logical time <= t. The
// receiver is unchanged.
func (s *Stream) ToLogical(t sensorlog.Timestamp) *Stream {
	dup := *s
	dup.resolved = false
	if !dup.hasTo || t < dup.to {
		dup.to = t
		dup.hasTo = true
	}
	return &dup
}

// resolve opens the backing file if needed and fixes the effective sample
// window for the narrowed bounds.
func (s *Stream) resolve() error {
	if s.resolved {
		return nil
	}
	if err := s.b.load(); err != nil {
		return err
	}
	pos := s.b.positions[s.index.Channel]
	first := 0
	if s.hasFrom {
		first = sort.Search(len(pos), func(i int) bool { return pos[i].logical >= s.from })
	}
	last := len(pos)
	if s.hasTo {
		last = sort.Search(len(pos), func(i int) bool { return pos[i].logical > s.to })
	}
	if last < first {
		last = first
	}
	s.first, s.count = first, last-first
	s.resolved = true
	return nil
}

// Len returns the number of samples in view. First call may open the
// backing file when the stream is narrowed.
func (s *Stream) Len() (int, error) {
	if !s.hasFrom && !s.hasTo {
		return s.index.Count, nil
	}
	if err := s.resolve(); err != nil {
		return 0, err
	}
	return s.count, nil
}

// LogicalAt returns the logical timestamp of sample i in view.
func (s *Stream) LogicalAt(i int) (sensorlog.Timestamp, error) {
	p, err := s.positionAt(i)
	if err != nil {
		return 0, err
	}
	return p.logical, nil
}

// RealtimeAt returns the realtime timestamp of sample i in view.
func (s *Stream) RealtimeAt(i int) (sensorlog.Timestamp, error) {
	p, err := s.positionAt(i)
	if err != nil {
		return 0, err
	}
	return p.realtime, nil
}

// SampleAt reads the full record of sample i in view.
func (s *Stream) SampleAt(i int) (sensorlog.Record, error) {
	p, err := s.positionAt(i)
	if err != nil {
		return sensorlog.Record{}, err
	}
	return s.b.reader.ReadAt(p.offset)
}

func (s *Stream) positionAt(i int) (position, error) {
	if err := s.resolve(); err != nil {
		return position{}, err
	}
	if i < 0 || i >= s.count {
		return position{}, fmt.Errorf("stream %s: sample index %d out of range [0,%d)", s.index.Name, i, s.count)
	}
	return s.b.positions[s.index.Channel][s.first+i], nil
}

// Set is the collection of streams backing one dataset. Closing the set
// closes every opened log file.
type Set struct {
	streams []*Stream
	byName  map[string]*Stream
	backs   []*backing
}

func (set *Set) All() []*Stream { return set.streams }

func (set *Set) Names() []string {
	names := make([]string, len(set.streams))
	for i, s := range set.streams {
		names[i] = s.Name()
	}
	return names
}

func (set *Set) ByName(name string) (*Stream, bool) {
	s, ok := set.byName[name]
	return s, ok
}

func (set *Set) Close() error {
	var first error
	for _, b := range set.backs {
		if err := b.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LoadSet opens the streams of every normalized log file under dir. Index
// files are read from cacheDir when present; otherwise the log is scanned
// and the index file written there as a side effect for future loads.
func LoadSet(dir, cacheDir string, log *slog.Logger) (*Set, error) {
	names, err := logFileNames(dir)
	if err != nil {
		return nil, err
	}

	set := &Set{byName: make(map[string]*Stream)}
	for _, name := range names {
		logPath := filepath.Join(dir, name)
		indexes, err := loadOrBuildIndexes(logPath, cacheDir, name, log)
		if err != nil {
			return nil, err
		}
		b := &backing{logPath: logPath}
		set.backs = append(set.backs, b)
		for _, ix := range indexes {
			s := &Stream{index: ix, b: b}
			set.streams = append(set.streams, s)
			if _, dup := set.byName[ix.Name]; dup {
				return nil, fmt.Errorf("duplicate stream name %q in dataset %s", ix.Name, dir)
			}
			set.byName[ix.Name] = s
		}
	}
	return set, nil
}

func loadOrBuildIndexes(logPath, cacheDir, name string, log *slog.Logger) ([]Index, error) {
	indexPath := filepath.Join(cacheDir, name+IndexExtension)
	if indexes, _, err := ReadIndexFile(indexPath); err == nil {
		return indexes, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("unreadable stream index, rebuilding", "path", indexPath, "err", err)
	}

	indexes, err := BuildIndexes(logPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir cache %s: %w", cacheDir, err)
	}
	if err := WriteIndexFile(indexPath, time.Now(), indexes); err != nil {
		// The index is a rebuildable cache; failing to persist it only
		// costs the next load a rescan.
		log.Warn("could not write stream index", "path", indexPath, "err", err)
	}
	return indexes, nil
}

// logFileNames lists normalized log files directly under dir, sorted.
func logFileNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == sensorlog.Extension {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
