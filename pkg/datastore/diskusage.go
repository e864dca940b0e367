package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// Usage reports the store's footprint and the free space on its volume.
type Usage struct {
	StoreBytes uint64
	TotalBytes uint64
	FreeBytes  uint64
}

// DiskUsage walks the store root for its size and queries the filesystem
// for free space. Intended for status output, not for accounting.
func (s *Store) DiskUsage() (Usage, error) {
	var u Usage
	err := filepath.Walk(s.Root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			u.StoreBytes += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return Usage{}, fmt.Errorf("walk store %s: %w", s.Root, err)
	}

	stat, err := disk.Usage(s.Root)
	if err != nil {
		return Usage{}, fmt.Errorf("disk usage %s: %w", s.Root, err)
	}
	u.TotalBytes = stat.Total
	u.FreeBytes = stat.Free

	s.log.Debug("store disk usage",
		"store_gb", float64(u.StoreBytes)/1e9,
		"free_gb", float64(u.FreeBytes)/1e9,
		"total_gb", float64(u.TotalBytes)/1e9)
	return u, nil
}
