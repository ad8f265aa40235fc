package offline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

// Stats is a per-table breakdown of local storage plus host-level
// capacity figures for the state directory.
type Stats struct {
	Tables        map[string]int64 `json:"tables"`
	Total         int64            `json:"total"`
	DBFileBytes   int64            `json:"db_file_bytes"`
	DiskFreeBytes uint64           `json:"disk_free_bytes"`
}

// StorageStats reports local storage usage. It never fails: any fault
// is logged and the affected figures stay zero.
func (s *Service) StorageStats(ctx context.Context) Stats {
	st := Stats{Tables: make(map[string]int64)}
	if s == nil {
		return st
	}

	counts, err := s.store.Counts(ctx)
	if err != nil {
		s.log.Warn("storage stats degraded", "error", err)
	} else {
		for table, n := range counts {
			st.Tables[table] = n
			st.Total += n
		}
	}

	path := s.store.Path()
	if path == "" {
		return st
	}
	if fi, err := os.Stat(path); err == nil {
		st.DBFileBytes = fi.Size()
	}
	if du, err := disk.UsageWithContext(ctx, filepath.Dir(path)); err == nil && du != nil {
		st.DiskFreeBytes = du.Free
	}
	return st
}
