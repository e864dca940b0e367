package datastore

import (
	"errors"
	"fmt"
	"os"

	"github.com/robolog-io/robolog/pkg/dataset"
)

// UpdatingDigest is the only sanctioned way to change a dataset's on-disk
// digest. It captures the digest before running fn, re-reads it from the
// identity manifest afterwards, and when it changed renames both the core
// and cache directories to the new digest path, returning a fresh handle at
// the new location. When the digest is unchanged the same handle is
// returned.
func (s *Store) UpdatingDigest(ds *dataset.Dataset, fn func(*dataset.Dataset) error) (*dataset.Dataset, error) {
	before, err := ds.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest before update: %w", err)
	}

	if err := fn(ds); err != nil {
		return nil, err
	}

	after, err := ds.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest after update: %w", err)
	}
	if after == before {
		return ds, nil
	}

	oldHex, newHex := before.String(), after.String()
	if _, err := os.Stat(s.corePath(newHex)); err == nil {
		return nil, fmt.Errorf("cannot move dataset %s to %s: target exists", oldHex, newHex)
	}
	// Move cache first, mirroring the publish order on import: a failure
	// between the two renames leaves at worst an orphaned cache entry,
	// never a visible dataset whose cache sits under a stale digest.
	movedCache := true
	if err := os.Rename(s.cachePath(oldHex), s.cachePath(newHex)); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("move cache/%s: %w", oldHex, err)
		}
		movedCache = false
	}
	if err := os.Rename(s.corePath(oldHex), s.corePath(newHex)); err != nil {
		if movedCache {
			if rerr := os.Rename(s.cachePath(newHex), s.cachePath(oldHex)); rerr != nil {
				s.log.Warn("could not restore cache after failed move", "digest", oldHex, "err", rerr)
			}
		}
		return nil, fmt.Errorf("move core/%s: %w", oldHex, err)
	}
	s.log.Info("dataset digest changed", "from", oldHex, "to", newHex)

	fresh := s.open(after)
	if s.mi != nil {
		if meta, err := fresh.Metadata(); err == nil {
			if err := s.mi.Remove(before); err != nil {
				s.log.Warn("could not drop old digest from metaindex", "digest", oldHex, "err", err)
			}
			if err := s.mi.Put(after, meta); err != nil {
				s.log.Warn("could not index moved dataset", "digest", newHex, "err", err)
			}
		}
	}
	return fresh, nil
}

// Repair recomputes a dataset's identity from the files on disk, rewrites
// the manifest, and leaves a redirect from the old digest so stale
// references keep resolving. Returns the handle at the post-repair
// location.
func (s *Store) Repair(ds *dataset.Dataset) (*dataset.Dataset, error) {
	before, err := ds.Digest()
	if err != nil {
		return nil, err
	}

	repaired, err := s.UpdatingDigest(ds, func(d *dataset.Dataset) error {
		entries, err := d.ComputeIdentityFromFiles()
		if err != nil {
			return err
		}
		return d.WriteIdentityManifest(entries)
	})
	if err != nil {
		return nil, err
	}

	after, err := repaired.Digest()
	if err != nil {
		return nil, err
	}
	if after != before {
		if err := s.WriteRedirect(before, after, map[string]string{"reason": "repair"}); err != nil {
			return nil, err
		}
	}
	return repaired, nil
}
