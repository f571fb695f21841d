package rlimit

import "github.com/shirou/gopsutil/v4/disk"

// DataDirUsage reports the underlying filesystem's total and used bytes for
// path — the data directory sandboxes and workspaces live under. This is
// host-level capacity, distinct from DiskSweeper's per-sandbox workspace
// measurement: gopsutil's disk.Usage is the right primitive here because the
// caller actually wants whole-mount statistics, not one sandbox's subtree.
func DataDirUsage(path string) (usedBytes, totalBytes uint64, err error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}
	return usage.Used, usage.Total, nil
}
