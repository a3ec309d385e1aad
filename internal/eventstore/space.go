package eventstore

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

type DiskUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskUsage reports the filesystem holding the store root.
func (s *Store) DiskUsage() (*DiskUsage, error) {
	usage, err := disk.Usage(s.root)
	if err != nil {
		return nil, fmt.Errorf("get disk usage: %w", err)
	}

	return &DiskUsage{
		Path:        s.root,
		TotalBytes:  usage.Total,
		FreeBytes:   usage.Free,
		UsedBytes:   usage.Used,
		UsedPercent: usage.UsedPercent,
	}, nil
}

func (s *Store) checkSpace() error {
	if s.minFreeBytes == 0 {
		return nil
	}

	usage, err := disk.Usage(s.root)
	if err != nil {
		// Unknown free space; let the write itself report the failure.
		return nil
	}

	if usage.Free < s.minFreeBytes {
		return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrWrite, s.root, usage.Free, s.minFreeBytes)
	}
	return nil
}
