// Package datastore implements the content-addressed repository of datasets
// on durable storage.
//
// The store root holds three areas:
//
//	core/<digest>     immutable dataset directories, or single-file redirects
//	cache/<digest>    rebuildable derived indexes
//	incoming/<n>      transient staging for in-progress imports
//
// A dataset only becomes visible under core/ once fully written and
// atomically renamed into place, so concurrent readers never observe a
// partial dataset. Multiple processes may read one store concurrently;
// writers rely on the staging protocol in InIncoming.
package datastore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robolog-io/robolog/pkg/dataset"
	"github.com/robolog-io/robolog/pkg/digest"
	"github.com/robolog-io/robolog/pkg/metaindex"
)

const (
	coreDir     = "core"
	cacheDir    = "cache"
	incomingDir = "incoming"

	// metaIndexDir is the metadata index location inside the cache area.
	// The name is not hex, so it can never collide with a digest.
	metaIndexDir = "metaindex"
)

// Validation selects how hard Get checks a dataset before returning it.
type Validation int

const (
	ValidateNone Validation = iota
	ValidateWeak            // file presence and size
	ValidateFull            // recompute and compare digests
)

// Options configures a store handle.
type Options struct {
	// Logger receives structured logs. Defaults to a stderr text handler.
	Logger *slog.Logger
	// MetaIndex enables the badger-backed metadata query index under
	// cache/metaindex. Opening it takes a lock, so enable it only for
	// handles that serve queries.
	MetaIndex bool
}

// Store is a handle to one datastore root.
type Store struct {
	Root string

	log *slog.Logger
	mi  *metaindex.Index
}

// Create opens the store at root, creating the three areas if needed. It is
// idempotent over an existing store.
func Create(root string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	for _, sub := range []string{coreDir, cacheDir, incomingDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store area %s: %w", sub, err)
		}
	}
	s := &Store{Root: root, log: opts.Logger}
	if opts.MetaIndex {
		mi, err := metaindex.Open(filepath.Join(root, cacheDir, metaIndexDir), opts.Logger)
		if err != nil {
			return nil, err
		}
		s.mi = mi
	}
	return s, nil
}

// Close releases the metadata index, if open.
func (s *Store) Close() error {
	if s.mi == nil {
		return nil
	}
	err := s.mi.Close()
	s.mi = nil
	return err
}

func (s *Store) corePath(hex string) string  { return filepath.Join(s.Root, coreDir, hex) }
func (s *Store) cachePath(hex string) string { return filepath.Join(s.Root, cacheDir, hex) }

// Has reports whether core/<digest> exists, as a dataset or a redirect.
func (s *Store) Has(dg digest.Digest) bool {
	_, err := os.Stat(s.corePath(dg.String()))
	return err == nil
}

// GetOptions controls Get.
type GetOptions struct {
	Validate        Validation
	PreloadMetadata bool
}

// Get looks a dataset up by full digest or unambiguous prefix, resolves any
// redirect chain and validates at the requested strength.
func (s *Store) Get(digestOrPrefix string, opts GetOptions) (*dataset.Dataset, error) {
	hex := digestOrPrefix
	exact := false
	if len(hex) == digest.HexLen {
		if _, err := os.Stat(s.corePath(hex)); err == nil {
			exact = true
		}
	}
	if !exact {
		match, err := s.matchPrefix(digestOrPrefix)
		if err != nil {
			return nil, err
		}
		hex = match
	}

	dg, err := digest.Parse(hex)
	if err != nil {
		return nil, err
	}
	final, err := s.ResolveRedirect(dg)
	if err != nil {
		return nil, err
	}

	ds := s.open(final)
	switch opts.Validate {
	case ValidateWeak:
		if err := ds.WeakValidateIdentity(); err != nil {
			return nil, err
		}
	case ValidateFull:
		if err := ds.ValidateIdentity(); err != nil {
			return nil, err
		}
	}
	if opts.PreloadMetadata {
		if err := ds.PreloadMetadata(); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func (s *Store) open(dg digest.Digest) *dataset.Dataset {
	hex := dg.String()
	return dataset.Open(s.corePath(hex), s.cachePath(hex), s.log)
}

// matchPrefix scans core/ for entries starting with prefix. Exactly one
// match is required.
func (s *Store) matchPrefix(prefix string) (string, error) {
	entries, err := s.listHex()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, hex := range entries {
		if strings.HasPrefix(hex, prefix) {
			matches = append(matches, hex)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousDigestError{Prefix: prefix, Matches: matches}
	}
}

// listHex returns every digest present under core/, datasets and redirects
// alike, sorted.
func (s *Store) listHex() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, coreDir))
	if err != nil {
		return nil, fmt.Errorf("read core area: %w", err)
	}
	hexes := make([]string, 0, len(entries))
	for _, e := range entries {
		if len(e.Name()) != digest.HexLen {
			continue
		}
		hexes = append(hexes, e.Name())
	}
	sort.Strings(hexes)
	return hexes, nil
}

// ListEntry is one core/ entry.
type ListEntry struct {
	Digest     digest.Digest
	IsRedirect bool
}

// List enumerates all core/ entries.
func (s *Store) List() ([]ListEntry, error) {
	hexes, err := s.listHex()
	if err != nil {
		return nil, err
	}
	out := make([]ListEntry, 0, len(hexes))
	for _, hex := range hexes {
		dg, err := digest.Parse(hex)
		if err != nil {
			s.log.Warn("skipping core entry with invalid digest name", "name", hex)
			continue
		}
		info, err := os.Stat(s.corePath(hex))
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", hex, err)
		}
		out = append(out, ListEntry{Digest: dg, IsRedirect: !info.IsDir()})
	}
	return out, nil
}

// FindAll returns every dataset whose metadata is a superset match for the
// query: for each key, the query values must all be present in the stored
// value set. Redirects are skipped (their targets are listed directly).
func (s *Store) FindAll(query map[string][]string) ([]*dataset.Dataset, error) {
	if s.mi != nil {
		digests, err := s.mi.Find(query)
		if err == nil {
			sort.Slice(digests, func(i, j int) bool { return digests[i].String() < digests[j].String() })
			out := make([]*dataset.Dataset, len(digests))
			for i, dg := range digests {
				out[i] = s.open(dg)
			}
			return out, nil
		}
		s.log.Warn("metaindex query failed, falling back to scan", "err", err)
	}

	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*dataset.Dataset
	for _, e := range entries {
		if e.IsRedirect {
			continue
		}
		ds := s.open(e.Digest)
		ok, err := ds.MatchesQuery(query)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ds)
		}
	}
	return out, nil
}

// Find is FindAll requiring at most one result. More than one match is an
// AmbiguousMatchError; zero is ErrNotFound.
func (s *Store) Find(query map[string][]string) (*dataset.Dataset, error) {
	all, err := s.FindAll(query)
	if err != nil {
		return nil, err
	}
	switch len(all) {
	case 0:
		return nil, fmt.Errorf("%w: query %v", ErrNotFound, query)
	case 1:
		return all[0], nil
	default:
		matches := make([]string, len(all))
		for i, ds := range all {
			matches[i] = filepath.Base(ds.Dir)
		}
		return nil, &AmbiguousMatchError{Query: query, Matches: matches}
	}
}

// ShortDigest truncates a digest to length hex characters, lengthening back
// to the full digest when the truncation is currently ambiguous against the
// store contents. The answer can be invalidated by later imports, so
// callers should not cache it across store mutations.
func (s *Store) ShortDigest(dg digest.Digest, length int) string {
	short := dg.Short(length)
	entries, err := s.listHex()
	if err != nil {
		return dg.String()
	}
	count := 0
	for _, hex := range entries {
		if strings.HasPrefix(hex, short) {
			count++
		}
	}
	if count > 1 {
		return dg.String()
	}
	return short
}

// Delete removes a dataset's core and cache entries. Irreversible.
func (s *Store) Delete(dg digest.Digest) error {
	hex := dg.String()
	if err := os.RemoveAll(s.corePath(hex)); err != nil {
		return fmt.Errorf("delete core/%s: %w", hex, err)
	}
	if err := os.RemoveAll(s.cachePath(hex)); err != nil {
		return fmt.Errorf("delete cache/%s: %w", hex, err)
	}
	if s.mi != nil {
		if err := s.mi.Remove(dg); err != nil {
			s.log.Warn("could not drop dataset from metaindex", "digest", hex, "err", err)
		}
	}
	s.log.Info("deleted dataset", "digest", hex)
	return nil
}

// RebuildMetaIndex refills the metadata index from the store contents.
func (s *Store) RebuildMetaIndex() error {
	if s.mi == nil {
		return errors.New("datastore: metadata index not enabled")
	}
	return s.mi.Rebuild(func(emit func(digest.Digest, map[string][]string) error) error {
		entries, err := s.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsRedirect {
				continue
			}
			ds := s.open(e.Digest)
			meta, err := ds.Metadata()
			if err != nil {
				return err
			}
			if err := emit(e.Digest, meta); err != nil {
				return err
			}
		}
		return nil
	})
}
