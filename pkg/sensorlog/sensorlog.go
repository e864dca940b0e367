// Package sensorlog reads and writes the normalized binary log files that
// carry recorded stream data.
//
// File layout, all integers little-endian:
//
//	prologue   16 bytes: magic "RLOG", version u16, flags u16, reserved u64
//	channels   count u16, then per channel:
//	           name lenstr, type lenstr, metadata count u16 + lenstr pairs
//	records    channel u16, realtime i64, logical i64, payload len u32, payload
//
// A lenstr is a u16 length followed by that many bytes. The prologue carries
// no semantic content; identity digests skip it so reframing a file does not
// change dataset identity.
package sensorlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/robolog-io/robolog/pkg/typedesc"
)

const (
	// PrologueSize is the fixed prologue length skipped by identity digests.
	PrologueSize = 16

	// FormatVersion is written to and required in the prologue.
	FormatVersion = 1

	// recordHeaderSize covers channel, realtime, logical and payload length.
	recordHeaderSize = 2 + 8 + 8 + 4

	// MaxPayloadSize bounds a single sample payload.
	MaxPayloadSize = 64 << 20
)

var magic = [4]byte{'R', 'L', 'O', 'G'}

// Extension is the filename extension of normalized log files.
const Extension = ".rlog"

// Timestamp is a point in time as nanoseconds since the Unix epoch. Logical
// timestamps order samples for alignment; realtime timestamps record when a
// sample was captured.
type Timestamp int64

func TimestampOf(t time.Time) Timestamp { return Timestamp(t.UnixNano()) }

func (t Timestamp) Time() time.Time { return time.Unix(0, int64(t)) }

func (t Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(int64(t) - int64(other))
}

func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d)
}

// Channel describes one stream recorded in a log file.
type Channel struct {
	Name     string
	Type     typedesc.Descriptor
	Metadata map[string]string
}

// Record is one sample: which channel it belongs to, when it was captured,
// its logical timestamp, and the opaque payload.
type Record struct {
	Channel  int
	Realtime Timestamp
	Logical  Timestamp
	Payload  []byte
}

// Writer appends records to a log file. Records must be appended in
// non-decreasing logical-time order per channel; the writer does not check.
type Writer struct {
	f        *os.File
	bw       *bufio.Writer
	channels []Channel
}

// Create writes a new log file with the given channel table and returns a
// writer positioned for appending records.
func Create(path string, channels []Channel) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := &Writer{f: f, bw: bufio.NewWriter(f), channels: channels}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	var pro [PrologueSize]byte
	copy(pro[:4], magic[:])
	binary.LittleEndian.PutUint16(pro[4:6], FormatVersion)
	if _, err := w.bw.Write(pro[:]); err != nil {
		return fmt.Errorf("write prologue: %w", err)
	}

	if err := writeU16(w.bw, uint16(len(w.channels))); err != nil {
		return err
	}
	for _, ch := range w.channels {
		if err := writeLenStr(w.bw, ch.Name); err != nil {
			return err
		}
		if err := writeLenStr(w.bw, string(ch.Type)); err != nil {
			return err
		}
		// Deterministic metadata order keeps file bytes, and therefore
		// identity digests, stable across writes.
		keys := make([]string, 0, len(ch.Metadata))
		for k := range ch.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := writeU16(w.bw, uint16(len(keys))); err != nil {
			return err
		}
		for _, k := range keys {
			if err := writeLenStr(w.bw, k); err != nil {
				return err
			}
			if err := writeLenStr(w.bw, ch.Metadata[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Append writes one record.
func (w *Writer) Append(rec Record) error {
	if rec.Channel < 0 || rec.Channel >= len(w.channels) {
		return fmt.Errorf("append: channel %d out of range (have %d)", rec.Channel, len(w.channels))
	}
	if len(rec.Payload) > MaxPayloadSize {
		return fmt.Errorf("append: payload %d bytes exceeds max %d", len(rec.Payload), MaxPayloadSize)
	}
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(rec.Channel))
	binary.LittleEndian.PutUint64(hdr[2:10], uint64(rec.Realtime))
	binary.LittleEndian.PutUint64(hdr[10:18], uint64(rec.Logical))
	binary.LittleEndian.PutUint32(hdr[18:22], uint32(len(rec.Payload)))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("append record header: %w", err)
	}
	if _, err := w.bw.Write(rec.Payload); err != nil {
		return fmt.Errorf("append record payload: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Reader provides sequential and random access to a log file's records.
type Reader struct {
	f         *os.File
	channels  []Channel
	dataStart int64
	cur       int64
}

// Open parses the prologue and channel table and positions the reader at the
// first record.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r := &Reader{f: f}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.cur = r.dataStart
	return r, nil
}

func (r *Reader) readHeader() error {
	br := bufio.NewReader(r.f)

	var pro [PrologueSize]byte
	if _, err := io.ReadFull(br, pro[:]); err != nil {
		return fmt.Errorf("read prologue: %w", err)
	}
	if [4]byte(pro[:4]) != magic {
		return fmt.Errorf("bad magic %q", pro[:4])
	}
	if v := binary.LittleEndian.Uint16(pro[4:6]); v != FormatVersion {
		return fmt.Errorf("unsupported log format version %d", v)
	}

	off := int64(PrologueSize)
	count, n, err := readU16(br)
	if err != nil {
		return err
	}
	off += n
	r.channels = make([]Channel, count)
	for i := range r.channels {
		name, n, err := readLenStr(br)
		if err != nil {
			return err
		}
		off += n
		typ, n, err := readLenStr(br)
		if err != nil {
			return err
		}
		off += n
		metaCount, n, err := readU16(br)
		if err != nil {
			return err
		}
		off += n
		var meta map[string]string
		if metaCount > 0 {
			meta = make(map[string]string, metaCount)
		}
		for j := 0; j < int(metaCount); j++ {
			k, n, err := readLenStr(br)
			if err != nil {
				return err
			}
			off += n
			v, n, err := readLenStr(br)
			if err != nil {
				return err
			}
			off += n
			meta[k] = v
		}
		r.channels[i] = Channel{Name: name, Type: typedesc.Descriptor(typ), Metadata: meta}
	}
	r.dataStart = off
	return nil
}

// Channels returns the channel table. The returned slice is owned by the
// reader and must not be modified.
func (r *Reader) Channels() []Channel { return r.channels }

// DataStart returns the offset of the first record.
func (r *Reader) DataStart() int64 { return r.dataStart }

// Next returns the record at the current position together with its file
// offset and advances past it. Returns io.EOF at the end of the file.
func (r *Reader) Next() (Record, int64, error) {
	off := r.cur
	rec, next, err := r.readAt(off)
	if err != nil {
		return Record{}, 0, err
	}
	r.cur = next
	return rec, off, nil
}

// ReadAt returns the record starting at the given file offset without
// moving the sequential position. Offsets come from Next or an index.
func (r *Reader) ReadAt(off int64) (Record, error) {
	rec, _, err := r.readAt(off)
	if err == io.EOF {
		return Record{}, fmt.Errorf("read at %d: %w", off, io.ErrUnexpectedEOF)
	}
	return rec, err
}

func (r *Reader) readAt(off int64) (Record, int64, error) {
	var hdr [recordHeaderSize]byte
	if _, err := r.f.ReadAt(hdr[:], off); err != nil {
		if err == io.EOF {
			return Record{}, 0, io.EOF
		}
		return Record{}, 0, fmt.Errorf("read record header at %d: %w", off, err)
	}
	plen := binary.LittleEndian.Uint32(hdr[18:22])
	if plen > MaxPayloadSize {
		return Record{}, 0, fmt.Errorf("record at %d: payload %d bytes exceeds max", off, plen)
	}
	rec := Record{
		Channel:  int(binary.LittleEndian.Uint16(hdr[0:2])),
		Realtime: Timestamp(binary.LittleEndian.Uint64(hdr[2:10])),
		Logical:  Timestamp(binary.LittleEndian.Uint64(hdr[10:18])),
	}
	if plen > 0 {
		rec.Payload = make([]byte, plen)
		if _, err := r.f.ReadAt(rec.Payload, off+recordHeaderSize); err != nil {
			return Record{}, 0, fmt.Errorf("read record payload at %d: %w", off, err)
		}
	}
	return rec, off + recordHeaderSize + int64(plen), nil
}

func (r *Reader) Close() error { return r.f.Close() }

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

func readU16(r io.Reader) (uint16, int64, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, fmt.Errorf("read u16: %w", err)
	}
	return binary.LittleEndian.Uint16(b[:]), 2, nil
}

func readLenStr(r io.Reader) (string, int64, error) {
	n, _, err := readU16(r)
	if err != nil {
		return "", 0, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", 0, fmt.Errorf("read string: %w", err)
	}
	return string(buf), 2 + int64(n), nil
}
