package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v2"
)

// loadMeta reads the metadata file once; a missing file is an empty map.
func (d *Dataset) loadMeta() error {
	if d.metaLoaded {
		return nil
	}
	path := filepath.Join(d.Dir, MetadataName)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		d.meta = make(map[string][]string)
		d.metaLoaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read metadata %s: %w", path, err)
	}
	var m map[string][]string
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse metadata %s: %w", path, err)
	}
	if m == nil {
		m = make(map[string][]string)
	}
	d.meta = m
	d.metaLoaded = true
	return nil
}

func (d *Dataset) saveMeta() error {
	raw, err := yaml.Marshal(d.meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	path := filepath.Join(d.Dir, MetadataName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write metadata %s: %w", path, err)
	}
	return nil
}

// PreloadMetadata forces the lazy metadata load now.
func (d *Dataset) PreloadMetadata() error {
	return d.loadMeta()
}

// AddMeta unions values into the key's value set and persists the file.
// Values are kept sorted so the file bytes are deterministic.
func (d *Dataset) AddMeta(key string, values ...string) error {
	if err := d.loadMeta(); err != nil {
		return err
	}
	have := make(map[string]bool, len(d.meta[key]))
	for _, v := range d.meta[key] {
		have[v] = true
	}
	changed := false
	for _, v := range values {
		if !have[v] {
			have[v] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	merged := make([]string, 0, len(have))
	for v := range have {
		merged = append(merged, v)
	}
	sort.Strings(merged)
	d.meta[key] = merged
	return d.saveMeta()
}

// FetchMeta returns the single value of key. It fails with ErrNoValue when
// the key is absent and ErrMultipleValues when the value set has more than
// one element.
func (d *Dataset) FetchMeta(key string) (string, error) {
	if err := d.loadMeta(); err != nil {
		return "", err
	}
	vals := d.meta[key]
	switch len(vals) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrNoValue, key)
	case 1:
		return vals[0], nil
	default:
		return "", fmt.Errorf("%w: %q has %v", ErrMultipleValues, key, vals)
	}
}

// FetchMetaDefault is FetchMeta with a fallback for an absent key. An
// ambiguous (multi-valued) key is still an error.
func (d *Dataset) FetchMetaDefault(key, def string) (string, error) {
	v, err := d.FetchMeta(key)
	if errors.Is(err, ErrNoValue) {
		return def, nil
	}
	return v, err
}

// FetchAllMeta returns the full value set of key, nil when absent.
func (d *Dataset) FetchAllMeta(key string) ([]string, error) {
	if err := d.loadMeta(); err != nil {
		return nil, err
	}
	vals := d.meta[key]
	out := make([]string, len(vals))
	copy(out, vals)
	return out, nil
}

// Metadata returns a copy of the full metadata mapping.
func (d *Dataset) Metadata() (map[string][]string, error) {
	if err := d.loadMeta(); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(d.meta))
	for k, vals := range d.meta {
		cp := make([]string, len(vals))
		copy(cp, vals)
		out[k] = cp
	}
	return out, nil
}

// MatchesQuery reports whether, for every queried key, the query values are
// a subset of the stored value set.
func (d *Dataset) MatchesQuery(query map[string][]string) (bool, error) {
	if err := d.loadMeta(); err != nil {
		return false, err
	}
	for key, wanted := range query {
		stored := make(map[string]bool, len(d.meta[key]))
		for _, v := range d.meta[key] {
			stored[v] = true
		}
		for _, w := range wanted {
			if !stored[w] {
				return false, nil
			}
		}
	}
	return true, nil
}
