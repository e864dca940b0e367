package datastore

import (
	"fmt"
	"os"

	"github.com/robolog-io/robolog/pkg/digest"
	"gopkg.in/yaml.v2"
)

// redirectFile is the marker stored at core/<old-digest> after a
// digest-changing repair, so that stale references keep resolving.
type redirectFile struct {
	To    string            `yaml:"to"`
	Extra map[string]string `yaml:"extra,omitempty"`
}

// WriteRedirect records that old's content now lives under to. Fails if
// core/<old> already holds a dataset directory.
func (s *Store) WriteRedirect(old, to digest.Digest, extra map[string]string) error {
	path := s.corePath(old.String())
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("refusing to write redirect over dataset %s", old.String())
	}
	raw, err := yaml.Marshal(&redirectFile{To: to.String(), Extra: extra})
	if err != nil {
		return fmt.Errorf("marshal redirect: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write redirect %s: %w", path, err)
	}
	s.log.Info("wrote redirect", "from", old.String(), "to", to.String())
	return nil
}

// ResolveRedirect follows redirect files until reaching a dataset
// directory. Chains are expected to terminate; cycles are a caller error
// and are not detected here.
func (s *Store) ResolveRedirect(dg digest.Digest) (digest.Digest, error) {
	for {
		path := s.corePath(dg.String())
		info, err := os.Stat(path)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("%w: %s", ErrNotFound, dg.String())
		}
		if info.IsDir() {
			return dg, nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("read redirect %s: %w", path, err)
		}
		var rf redirectFile
		if err := yaml.Unmarshal(raw, &rf); err != nil {
			return digest.Digest{}, fmt.Errorf("parse redirect %s: %w", path, err)
		}
		next, err := digest.Parse(rf.To)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("redirect %s: %w", path, err)
		}
		dg = next
	}
}
