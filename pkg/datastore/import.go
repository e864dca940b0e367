package datastore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robolog-io/robolog/pkg/compression"
	"github.com/robolog-io/robolog/pkg/dataset"
	"github.com/robolog-io/robolog/pkg/sensorlog"
	"github.com/robolog-io/robolog/pkg/stream"
)

// xzExtension marks compressed source logs accepted by Import.
const xzExtension = ".xz"

// ImportOptions controls Import.
type ImportOptions struct {
	// Force overwrites an existing dataset with the same digest. Without it
	// a colliding import is a no-op returning the existing dataset.
	Force bool
	// Metadata is written to the new dataset's metadata file.
	Metadata map[string][]string
}

// Import stages the log files under srcDir, computes their identity, and
// atomically publishes the dataset under core/<digest>. Accepted inputs are
// normalized ".rlog" files and ".rlog.xz" files, which are decompressed
// during staging. Stream index files are built into the cache area as part
// of the import so first access is fast.
func (s *Store) Import(srcDir string, opts ImportOptions) (*dataset.Dataset, error) {
	var imported *dataset.Dataset
	err := s.InIncoming(false, func(corePath, cachePath string) error {
		if err := s.stageLogs(srcDir, corePath); err != nil {
			return err
		}

		staged := dataset.Open(corePath, cachePath, s.log)
		entries, err := staged.ComputeIdentityFromFiles()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("import %s: no log files found", srcDir)
		}
		if err := staged.WriteIdentityManifest(entries); err != nil {
			return err
		}
		for key, vals := range opts.Metadata {
			if err := staged.AddMeta(key, vals...); err != nil {
				return err
			}
		}
		if err := buildIndexes(corePath, cachePath); err != nil {
			return err
		}

		dg, err := staged.Digest()
		if err != nil {
			return err
		}
		hex := dg.String()
		finalCore := s.corePath(hex)
		finalCache := s.cachePath(hex)

		if _, err := os.Stat(finalCore); err == nil {
			if !opts.Force {
				s.log.Info("import collides with existing dataset, keeping existing",
					"digest", hex, "src", srcDir)
				imported = s.open(dg)
				return nil
			}
			if err := os.RemoveAll(finalCore); err != nil {
				return fmt.Errorf("replace core/%s: %w", hex, err)
			}
			if err := os.RemoveAll(finalCache); err != nil {
				return fmt.Errorf("replace cache/%s: %w", hex, err)
			}
		}

		// Publish cache first: a crash between the two renames must never
		// leave a visible dataset without its identity, while an orphaned
		// cache entry is harmless and rebuildable.
		if err := os.Rename(cachePath, finalCache); err != nil {
			return fmt.Errorf("publish cache/%s: %w", hex, err)
		}
		if err := os.Rename(corePath, finalCore); err != nil {
			return fmt.Errorf("publish core/%s: %w", hex, err)
		}

		imported = s.open(dg)
		if s.mi != nil {
			meta, err := imported.Metadata()
			if err == nil {
				err = s.mi.Put(dg, meta)
			}
			if err != nil {
				s.log.Warn("could not index imported metadata", "digest", hex, "err", err)
			}
		}
		s.log.Info("imported dataset", "digest", hex, "files", len(entries), "src", srcDir)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return imported, nil
}

// stageLogs copies normalized logs and decompresses .rlog.xz sources into
// the staging core directory.
func (s *Store) stageLogs(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read import source %s: %w", srcDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	staged := make(map[string]string)
	for _, name := range names {
		src := filepath.Join(srcDir, name)
		var dstName string
		switch {
		case strings.HasSuffix(name, sensorlog.Extension):
			dstName = name
		case strings.HasSuffix(name, sensorlog.Extension+xzExtension):
			dstName = strings.TrimSuffix(name, xzExtension)
		default:
			continue
		}
		// A raw log and its compressed twin normalize to the same name;
		// staging either one would silently drop the other.
		if other, dup := staged[dstName]; dup {
			return fmt.Errorf("import source %s: %s and %s both stage as %s", srcDir, other, name, dstName)
		}
		staged[dstName] = name

		if name == dstName {
			if err := copyFile(src, filepath.Join(dstDir, dstName)); err != nil {
				return err
			}
		} else if err := decompressFile(src, filepath.Join(dstDir, dstName)); err != nil {
			return err
		}
	}
	return nil
}

// buildIndexes writes a stream index file for every staged log.
func buildIndexes(corePath, cachePath string) error {
	entries, err := os.ReadDir(corePath)
	if err != nil {
		return fmt.Errorf("read staged core: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != sensorlog.Extension {
			continue
		}
		indexes, err := stream.BuildIndexes(filepath.Join(corePath, e.Name()))
		if err != nil {
			return err
		}
		indexPath := filepath.Join(cachePath, e.Name()+stream.IndexExtension)
		if err := stream.WriteIndexFile(indexPath, time.Now(), indexes); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	r, err := compression.NewXZReader(in)
	if err != nil {
		return fmt.Errorf("decompress %s: %w", src, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("decompress %s: %w", src, err)
	}
	return out.Close()
}
