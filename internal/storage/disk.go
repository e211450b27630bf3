package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Usage is the on-disk footprint of the index files.
type Usage struct {
	Total int64            `json:"total_bytes"`
	Files map[string]int64 `json:"files"`
}

// DiskUsage returns the size of each path and their sum. Directories are summed recursively.
// Missing paths are reported as 0.
func DiskUsage(paths ...string) (*Usage, error) {
	u := &Usage{Files: make(map[string]int64, len(paths))}
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				u.Files[p] = 0
				continue
			}
			return nil, err
		}
		size := info.Size()
		if info.IsDir() {
			if size, err = dirSize(p); err != nil {
				return nil, err
			}
		}
		u.Files[p] = size
		u.Total += size
	}
	return u, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
