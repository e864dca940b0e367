package datastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// maxIncomingAttempts bounds the staging-slot allocation loop. Hitting it
// means thousands of concurrent imports or an unreadable incoming area.
const maxIncomingAttempts = 10000

// InIncoming allocates a fresh numbered staging directory with core/ and
// cache/ subdirectories, runs fn with their paths, and removes the whole
// staging directory afterwards unless keep is set. Removal also happens
// when fn fails, so an aborted import never leaves partial data behind;
// fn's error is propagated unchanged.
//
// fn is expected to atomically rename finished content out of the staging
// area (into core/ and cache/) before returning.
func (s *Store) InIncoming(keep bool, fn func(corePath, cachePath string) error) error {
	staging, err := s.claimIncoming()
	if err != nil {
		return err
	}
	if !keep {
		defer func() {
			if err := os.RemoveAll(staging); err != nil {
				s.log.Warn("could not remove staging dir", "path", staging, "err", err)
			}
		}()
	}

	core := filepath.Join(staging, coreDir)
	cache := filepath.Join(staging, cacheDir)
	if err := os.Mkdir(core, 0o755); err != nil {
		return fmt.Errorf("create staging core: %w", err)
	}
	if err := os.Mkdir(cache, 0o755); err != nil {
		return fmt.Errorf("create staging cache: %w", err)
	}

	return fn(core, cache)
}

// claimIncoming creates the lowest-numbered unused incoming/<n> directory.
// Mkdir is the atomicity point: when a concurrent process claims the same
// number first, Mkdir fails with EEXIST and the next number is tried.
func (s *Store) claimIncoming() (string, error) {
	for n := 0; n < maxIncomingAttempts; n++ {
		dir := filepath.Join(s.Root, incomingDir, strconv.Itoa(n))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("claim staging dir %s: %w", dir, err)
		}
	}
	return "", fmt.Errorf("no free staging slot after %d attempts", maxIncomingAttempts)
}
