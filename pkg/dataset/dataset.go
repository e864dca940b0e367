// Package dataset represents one imported, content-addressed unit of
// recorded data: a directory of normalized log files plus an identity
// manifest and free-form metadata.
//
// A dataset is immutable content once imported. The only sanctioned
// mutations are the metadata setters and the datastore's digest-changing
// repair path.
package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/robolog-io/robolog/pkg/digest"
	"github.com/robolog-io/robolog/pkg/sensorlog"
	"github.com/robolog-io/robolog/pkg/stream"
	workerpool "github.com/robolog-io/robolog/pkg/workerPool"
	"gopkg.in/yaml.v2"
)

const (
	// ManifestName is the identity manifest file inside a dataset dir.
	ManifestName = "identity.yaml"
	// MetadataName is the free-form metadata file inside a dataset dir.
	MetadataName = "metadata.yaml"
	// LayoutVersion is the manifest format this implementation writes and
	// accepts. Reading any other version fails; this is the
	// forward-compatibility boundary.
	LayoutVersion = 1
)

var ErrInvalidLayoutVersion = errors.New("dataset: unsupported manifest layout version")

// Dataset is a handle to one dataset directory plus its rebuildable cache
// directory. Metadata is loaded lazily on first access.
type Dataset struct {
	Dir      string
	CacheDir string

	log        *slog.Logger
	meta       map[string][]string
	metaLoaded bool
}

// Open returns a handle without touching disk. Use the validation methods
// or the datastore's Get options to check integrity.
func Open(dir, cacheDir string, log *slog.Logger) *Dataset {
	return &Dataset{Dir: dir, CacheDir: cacheDir, log: log}
}

type manifest struct {
	LayoutVersion int             `yaml:"layout_version"`
	Digest        string          `yaml:"digest"`
	Identity      []manifestEntry `yaml:"identity"`
}

type manifestEntry struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	Digest string `yaml:"digest"`
}

// ComputeIdentityFromFiles enumerates the important files (the normalized
// log files) and digests each, skipping the fixed log prologue.
func (d *Dataset) ComputeIdentityFromFiles() ([]digest.Entry, error) {
	dirEntries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir %s: %w", d.Dir, err)
	}
	var entries []digest.Entry
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != sensorlog.Extension {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", de.Name(), err)
		}
		entries = append(entries, digest.Entry{Path: de.Name(), Size: info.Size()})
	}

	// Digest the files on a bounded pool; one task per file.
	tasks := make([]func() error, len(entries))
	for i := range entries {
		i := i
		tasks[i] = func() error {
			fd, err := digest.File(filepath.Join(d.Dir, entries[i].Path), sensorlog.PrologueSize)
			if err != nil {
				return err
			}
			entries[i].Digest = fd
			return nil
		}
	}
	if err := workerpool.New(0).Run(tasks...); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// WriteIdentityManifest persists the identity list, the layout version and
// the resulting dataset digest to the manifest file.
func (d *Dataset) WriteIdentityManifest(entries []digest.Entry) error {
	m := manifest{
		LayoutVersion: LayoutVersion,
		Digest:        digest.Entries(entries).String(),
	}
	for _, e := range entries {
		m.Identity = append(m.Identity, manifestEntry{Path: e.Path, Size: e.Size, Digest: e.Digest.String()})
	}
	raw, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(d.Dir, ManifestName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

func (d *Dataset) readManifest() (*manifest, error) {
	path := filepath.Join(d.Dir, ManifestName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.LayoutVersion != LayoutVersion {
		return nil, fmt.Errorf("%w: manifest %s has version %d, want %d",
			ErrInvalidLayoutVersion, path, m.LayoutVersion, LayoutVersion)
	}
	return &m, nil
}

// Digest returns the dataset digest recorded in the manifest.
func (d *Dataset) Digest() (digest.Digest, error) {
	m, err := d.readManifest()
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Parse(m.Digest)
}

// Identity returns the identity entries recorded in the manifest.
func (d *Dataset) Identity() ([]digest.Entry, error) {
	m, err := d.readManifest()
	if err != nil {
		return nil, err
	}
	entries := make([]digest.Entry, len(m.Identity))
	for i, me := range m.Identity {
		fd, err := digest.Parse(me.Digest)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %s: %w", me.Path, err)
		}
		entries[i] = digest.Entry{Path: me.Path, Size: me.Size, Digest: fd}
	}
	return entries, nil
}

// ValidateIdentity fully verifies the dataset against its manifest: every
// manifest entry must exist on disk with matching size and digest, no
// unlisted log files may exist, and the recorded dataset digest must match
// the entries.
func (d *Dataset) ValidateIdentity() error {
	return d.validate(true)
}

// WeakValidateIdentity checks file presence and size only. Much cheaper;
// does not detect content tampering.
func (d *Dataset) WeakValidateIdentity() error {
	return d.validate(false)
}

func (d *Dataset) validate(full bool) error {
	m, err := d.readManifest()
	if err != nil {
		return err
	}

	listed := make(map[string]manifestEntry, len(m.Identity))
	for _, me := range m.Identity {
		listed[me.Path] = me
	}

	// Forward: every manifest entry present with the recorded size.
	for _, me := range m.Identity {
		path := filepath.Join(d.Dir, me.Path)
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return &IdentityMismatchError{Kind: MissingFile, Path: me.Path}
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Size() != me.Size {
			return &IdentityMismatchError{
				Kind: SizeMismatch, Path: me.Path,
				Detail: fmt.Sprintf("manifest %d bytes, disk %d bytes", me.Size, info.Size()),
			}
		}
	}

	// Content check, one digest task per file on a bounded pool.
	if full {
		tasks := make([]func() error, len(m.Identity))
		for i, me := range m.Identity {
			me := me
			tasks[i] = func() error {
				fd, err := digest.File(filepath.Join(d.Dir, me.Path), sensorlog.PrologueSize)
				if err != nil {
					return err
				}
				if fd.String() != me.Digest {
					return &IdentityMismatchError{
						Kind: DigestMismatch, Path: me.Path,
						Detail: fmt.Sprintf("manifest %s, disk %s", me.Digest, fd.String()),
					}
				}
				return nil
			}
		}
		if err := workerpool.New(0).Run(tasks...); err != nil {
			return err
		}
	}

	// Backward: no unlisted log files on disk.
	dirEntries, err := os.ReadDir(d.Dir)
	if err != nil {
		return fmt.Errorf("read dataset dir %s: %w", d.Dir, err)
	}
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != sensorlog.Extension {
			continue
		}
		if _, ok := listed[de.Name()]; !ok {
			return &IdentityMismatchError{Kind: ExtraFile, Path: de.Name()}
		}
	}

	if full {
		entries, err := d.Identity()
		if err != nil {
			return err
		}
		if got := digest.Entries(entries).String(); got != m.Digest {
			return &IdentityMismatchError{
				Kind: DigestMismatch, Path: ManifestName,
				Detail: fmt.Sprintf("manifest records %s, entries hash to %s", m.Digest, got),
			}
		}
	}
	return nil
}

// Streams opens the dataset's streams, using the index cache when present.
func (d *Dataset) Streams() (*stream.Set, error) {
	return stream.LoadSet(d.Dir, d.CacheDir, d.log)
}
