// Package metaindex maintains a rebuildable metadata query index over the
// datasets of a store, backed by badger.
//
// The index lives under the store's cache area and never holds truth: it can
// be deleted and rebuilt from the dataset metadata files at any time. The
// datastore consults it to answer metadata queries without reading every
// metadata file.
package metaindex

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/robolog-io/robolog/pkg/digest"
)

const (
	prefixPair    = "kv:" // kv:<key>\x00<value>\x00<digest> -> nil
	prefixDataset = "ds:" // ds:<digest>\x00<key>\x00<value> -> nil
	sep           = "\x00"
)

// Index is a badger-backed inverted index from metadata (key, value) pairs
// to dataset digests.
type Index struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens (or creates) the index under dir.
func Open(dir string, log *slog.Logger) (*Index, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open metaindex %s: %w", dir, err)
	}
	return &Index{db: db, log: log}, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// Put replaces the indexed metadata of one dataset.
func (ix *Index) Put(dg digest.Digest, meta map[string][]string) error {
	if err := ix.Remove(dg); err != nil {
		return err
	}
	hex := dg.String()
	return ix.db.Update(func(txn *badger.Txn) error {
		for key, vals := range meta {
			for _, val := range vals {
				pair := []byte(prefixPair + key + sep + val + sep + hex)
				back := []byte(prefixDataset + hex + sep + key + sep + val)
				if err := txn.Set(pair, nil); err != nil {
					return err
				}
				if err := txn.Set(back, nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Remove drops all entries of one dataset.
func (ix *Index) Remove(dg digest.Digest) error {
	hex := dg.String()
	var pairKeys [][]byte
	err := ix.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixDataset + hex + sep)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := string(it.Item().Key())
			rest := strings.TrimPrefix(k, prefixDataset+hex+sep)
			key, val, ok := strings.Cut(rest, sep)
			if !ok {
				continue
			}
			pairKeys = append(pairKeys,
				[]byte(prefixPair+key+sep+val+sep+hex),
				[]byte(k))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("metaindex scan %s: %w", hex, err)
	}
	return ix.db.Update(func(txn *badger.Txn) error {
		for _, k := range pairKeys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Find returns the digests whose metadata contains every (key, value) pair
// of the query. An empty query matches every indexed dataset.
func (ix *Index) Find(query map[string][]string) ([]digest.Digest, error) {
	var result map[string]bool
	err := ix.db.View(func(txn *badger.Txn) error {
		if len(query) == 0 {
			result = map[string]bool{}
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			prefix := []byte(prefixDataset)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				rest := strings.TrimPrefix(string(it.Item().Key()), prefixDataset)
				hex, _, _ := strings.Cut(rest, sep)
				result[hex] = true
			}
			return nil
		}
		for key, vals := range query {
			for _, val := range vals {
				matched := map[string]bool{}
				it := txn.NewIterator(badger.DefaultIteratorOptions)
				prefix := []byte(prefixPair + key + sep + val + sep)
				for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
					hex := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
					matched[hex] = true
				}
				it.Close()
				if result == nil {
					result = matched
					continue
				}
				for hex := range result {
					if !matched[hex] {
						delete(result, hex)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metaindex find: %w", err)
	}

	digests := make([]digest.Digest, 0, len(result))
	for hex := range result {
		dg, err := digest.Parse(hex)
		if err != nil {
			ix.log.Warn("metaindex holds unparsable digest, skipping", "digest", hex)
			continue
		}
		digests = append(digests, dg)
	}
	return digests, nil
}

// Rebuild drops everything and refills the index from the provided walker.
func (ix *Index) Rebuild(walk func(emit func(dg digest.Digest, meta map[string][]string) error) error) error {
	if err := ix.db.DropAll(); err != nil {
		return fmt.Errorf("metaindex drop: %w", err)
	}
	return walk(func(dg digest.Digest, meta map[string][]string) error {
		return ix.Put(dg, meta)
	})
}
