// Package rlimit applies per-platform memory/CPU/pid/disk caps to a spawned
// sandbox process, grounded on SnellerInc-sneller/cgroup's cgroupv2-fs wrapper
// and generalized with a ulimit-style fallback for platforms without a
// delegated cgroup.
package rlimit

import "time"

// Limits describes the resource caps applied to one sandbox's child process.
type Limits struct {
	MemoryBytes int64
	CPUPercent  int // 100 == one full core
	MaxPids     int64
	DiskBytes   int64
}

// DefaultLimits matches spec.md §4.2's defaults: 2048 MB memory, one core,
// 64 processes, 1024 MB disk.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 2048 * 1024 * 1024,
		CPUPercent:  100,
		MaxPids:     64,
		DiskBytes:   1024 * 1024 * 1024,
	}
}

// DiskSweepInterval is how often the workspace directory size is checked
// against Limits.DiskBytes.
const DiskSweepInterval = 30 * time.Second

// Limiter confines a spawned process to Limits on whatever platform-specific
// mechanism is available.
type Limiter interface {
	// Apply places pid under the limiter's control. Called once, immediately
	// after the child process is spawned.
	Apply(pid int, lim Limits) error
	// Release tears down any resources (cgroup directory, etc.) created for
	// this sandbox. Safe to call even if Apply was never called or failed.
	Release() error
	// Name identifies the mechanism in use, for logging ("cgroupv2", "rlimit").
	Name() string
}
