// Package digest computes the content digests that identify datasets.
//
// A dataset's identity is the SHA-256 of a canonical serialization of its
// important files: the entries are sorted by relative path and rendered as
// "<digest> <size> <path>" lines. The serialization is an interoperability
// contract and must stay bit-exact across implementations.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Size is the digest length in bytes, HexLen in hex characters.
const (
	Size   = sha256.Size
	HexLen = Size * 2
)

// fileBlockSize is the read block for digesting files. Only affects
// throughput, never the result.
const fileBlockSize = 1 << 20

// Digest is a SHA-256 content hash.
type Digest [Size]byte

// Entry is one important file in a dataset identity: its path relative to
// the dataset directory, its size in bytes, and the digest of its payload.
type Entry struct {
	Path   string
	Size   int64
	Digest Digest
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first n hex characters of the digest. Callers that need
// ambiguity guarantees should use the datastore's ShortDigest instead.
func (d Digest) Short(n int) string {
	s := d.String()
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse decodes a full-length lowercase hex digest string.
func Parse(s string) (Digest, error) {
	if len(s) != HexLen {
		return Digest{}, &InvalidFormatError{Input: s, Reason: fmt.Sprintf("length %d, want %d", len(s), HexLen)}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, &InvalidFormatError{Input: s, Reason: "not hex"}
	}
	if strings.ToLower(s) != s {
		return Digest{}, &InvalidFormatError{Input: s, Reason: "uppercase hex"}
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

// InvalidFormatError reports a digest string that is not HexLen lowercase
// hex characters.
type InvalidFormatError struct {
	Input  string
	Reason string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid digest format %q: %s", e.Input, e.Reason)
}

// File digests a file's content, streaming it in fixed-size blocks. skip
// bytes at the start of the file are excluded from the digest; log files use
// this to leave their fixed prologue out of the identity.
func File(path string, skip int64) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if skip > 0 {
		if _, err := f.Seek(skip, io.SeekStart); err != nil {
			return Digest{}, fmt.Errorf("seek %s: %w", path, err)
		}
	}

	h := sha256.New()
	buf := make([]byte, fileBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return Digest{}, fmt.Errorf("digest %s: %w", path, err)
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Entries computes the dataset identity digest over the given entries. The
// input order does not matter; entries are sorted by path first.
func Entries(entries []Entry) Digest {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	var sb strings.Builder
	for i, e := range sorted {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s %d %s", e.Digest.String(), e.Size, e.Path)
	}

	var d Digest
	sum := sha256.Sum256([]byte(sb.String()))
	copy(d[:], sum[:])
	return d
}
