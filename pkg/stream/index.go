// Package stream exposes the data streams of a dataset through lazy handles
// backed by per-file indexes.
//
// For every normalized log file the cache area holds a small index file
// (same relative name, ".rlix" extension) summarizing each stream: name,
// type descriptor, metadata, sample count and time intervals. The index is
// enough to answer catalog questions without touching the log payload; the
// payload and per-sample positions are only read on first access.
package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/robolog-io/robolog/pkg/sensorlog"
	"github.com/robolog-io/robolog/pkg/typedesc"
)

// IndexExtension is appended to the log file base name in the cache area.
const IndexExtension = ".rlix"

// IndexFormatVersion is the .rlix format version.
const IndexFormatVersion = 1

var indexMagic = [4]byte{'R', 'L', 'I', 'X'}

// Interval is a closed [Start, End] timestamp range. It is only meaningful
// for streams with at least one sample.
type Interval struct {
	Start sensorlog.Timestamp
	End   sensorlog.Timestamp
}

// Index is the summary of one stream within a log file.
type Index struct {
	Name             string
	Type             typedesc.Descriptor
	Metadata         map[string]string
	Channel          int
	Count            int
	IntervalRealtime Interval
	IntervalLogical  Interval
}

// WriteIndexFile writes the index file for one log file.
func WriteIndexFile(path string, createdAt time.Time, indexes []Index) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)

	var hdr [16]byte
	copy(hdr[:4], indexMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], IndexFormatVersion)
	binary.LittleEndian.PutUint64(hdr[6:14], uint64(createdAt.UnixNano()))
	binary.LittleEndian.PutUint16(hdr[14:16], uint16(len(indexes)))
	if _, err := bw.Write(hdr[:]); err != nil {
		f.Close()
		return fmt.Errorf("write index header: %w", err)
	}

	for _, ix := range indexes {
		if err := writeIndexEntry(bw, ix); err != nil {
			f.Close()
			return fmt.Errorf("write index entry %s: %w", ix.Name, err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush index: %w", err)
	}
	return f.Close()
}

func writeIndexEntry(w io.Writer, ix Index) error {
	if err := writeLenStr(w, ix.Name); err != nil {
		return err
	}
	if err := writeLenStr(w, string(ix.Type)); err != nil {
		return err
	}
	keys := make([]string, 0, len(ix.Metadata))
	for k := range ix.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := writeU16(w, uint16(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := writeLenStr(w, k); err != nil {
			return err
		}
		if err := writeLenStr(w, ix.Metadata[k]); err != nil {
			return err
		}
	}

	var fixed [2 + 8 + 4*8]byte
	binary.LittleEndian.PutUint16(fixed[0:2], uint16(ix.Channel))
	binary.LittleEndian.PutUint64(fixed[2:10], uint64(ix.Count))
	binary.LittleEndian.PutUint64(fixed[10:18], uint64(ix.IntervalRealtime.Start))
	binary.LittleEndian.PutUint64(fixed[18:26], uint64(ix.IntervalRealtime.End))
	binary.LittleEndian.PutUint64(fixed[26:34], uint64(ix.IntervalLogical.Start))
	binary.LittleEndian.PutUint64(fixed[34:42], uint64(ix.IntervalLogical.End))
	_, err := w.Write(fixed[:])
	return err
}

// ReadIndexFile parses an index file.
func ReadIndexFile(path string) ([]Index, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("open index %s: %w", path, err)
	}
	defer f.Close()
	br := bufio.NewReader(f)

	var hdr [16]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, time.Time{}, fmt.Errorf("read index header %s: %w", path, err)
	}
	if [4]byte(hdr[:4]) != indexMagic {
		return nil, time.Time{}, fmt.Errorf("index %s: bad magic %q", path, hdr[:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != IndexFormatVersion {
		return nil, time.Time{}, fmt.Errorf("index %s: unsupported version %d", path, v)
	}
	createdAt := time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[6:14])))
	count := int(binary.LittleEndian.Uint16(hdr[14:16]))

	indexes := make([]Index, count)
	for i := range indexes {
		ix, err := readIndexEntry(br)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("index %s entry %d: %w", path, i, err)
		}
		indexes[i] = ix
	}
	return indexes, createdAt, nil
}

func readIndexEntry(r io.Reader) (Index, error) {
	var ix Index
	name, err := readLenStr(r)
	if err != nil {
		return ix, err
	}
	typ, err := readLenStr(r)
	if err != nil {
		return ix, err
	}
	ix.Name = name
	ix.Type = typedesc.Descriptor(typ)

	metaCount, err := readU16(r)
	if err != nil {
		return ix, err
	}
	if metaCount > 0 {
		ix.Metadata = make(map[string]string, metaCount)
	}
	for j := 0; j < int(metaCount); j++ {
		k, err := readLenStr(r)
		if err != nil {
			return ix, err
		}
		v, err := readLenStr(r)
		if err != nil {
			return ix, err
		}
		ix.Metadata[k] = v
	}

	var fixed [2 + 8 + 4*8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return ix, err
	}
	ix.Channel = int(binary.LittleEndian.Uint16(fixed[0:2]))
	ix.Count = int(binary.LittleEndian.Uint64(fixed[2:10]))
	ix.IntervalRealtime.Start = sensorlog.Timestamp(binary.LittleEndian.Uint64(fixed[10:18]))
	ix.IntervalRealtime.End = sensorlog.Timestamp(binary.LittleEndian.Uint64(fixed[18:26]))
	ix.IntervalLogical.Start = sensorlog.Timestamp(binary.LittleEndian.Uint64(fixed[26:34]))
	ix.IntervalLogical.End = sensorlog.Timestamp(binary.LittleEndian.Uint64(fixed[34:42]))
	return ix, nil
}

// BuildIndexes scans a log file and summarizes every channel that appears in
// its channel table, in channel order.
func BuildIndexes(logPath string) ([]Index, error) {
	r, err := sensorlog.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	chans := r.Channels()
	indexes := make([]Index, len(chans))
	for i, ch := range chans {
		indexes[i] = Index{Name: ch.Name, Type: ch.Type, Metadata: ch.Metadata, Channel: i}
	}

	for {
		rec, _, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", logPath, err)
		}
		if rec.Channel >= len(indexes) {
			return nil, fmt.Errorf("scan %s: record references unknown channel %d", logPath, rec.Channel)
		}
		ix := &indexes[rec.Channel]
		if ix.Count == 0 {
			ix.IntervalRealtime = Interval{Start: rec.Realtime, End: rec.Realtime}
			ix.IntervalLogical = Interval{Start: rec.Logical, End: rec.Logical}
		} else {
			if rec.Realtime < ix.IntervalRealtime.Start {
				ix.IntervalRealtime.Start = rec.Realtime
			}
			if rec.Realtime > ix.IntervalRealtime.End {
				ix.IntervalRealtime.End = rec.Realtime
			}
			if rec.Logical > ix.IntervalLogical.End {
				ix.IntervalLogical.End = rec.Logical
			}
		}
		ix.Count++
	}
	return indexes, nil
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeLenStr(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	if err := writeU16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read u16: %w", err)
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readLenStr(r io.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read string: %w", err)
	}
	return string(buf), nil
}
