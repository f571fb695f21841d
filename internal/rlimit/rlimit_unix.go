//go:build linux

package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RlimitLimiter applies best-effort per-process ulimits via prlimit(2), which
// (unlike setrlimit(2)) can target an arbitrary already-running pid — used on
// platforms without a delegated cgroupv2 hierarchy. CPU enforcement is
// skipped — only cgroups can cap CPU share per spec.md §4.2.
type RlimitLimiter struct{}

func NewRlimitLimiter() *RlimitLimiter { return &RlimitLimiter{} }

func (r *RlimitLimiter) Name() string { return "rlimit" }

func (r *RlimitLimiter) Apply(pid int, lim Limits) error {
	mem := unix.Rlimit{Cur: uint64(lim.MemoryBytes), Max: uint64(lim.MemoryBytes)}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &mem, nil); err != nil {
		return fmt.Errorf("prlimit RLIMIT_AS: %w", err)
	}
	procs := unix.Rlimit{Cur: uint64(lim.MaxPids), Max: uint64(lim.MaxPids)}
	if err := unix.Prlimit(pid, unix.RLIMIT_NPROC, &procs, nil); err != nil {
		return fmt.Errorf("prlimit RLIMIT_NPROC: %w", err)
	}
	return nil
}

func (r *RlimitLimiter) Release() error { return nil }

// NewLimiter picks CgroupLimiter when available, otherwise RlimitLimiter,
// per spec.md §4.2's platform-capability fallback.
func NewLimiter(sandboxID string) (Limiter, error) {
	if cg, err := NewCgroupLimiter(sandboxID); err == nil {
		return cg, nil
	}
	return NewRlimitLimiter(), nil
}
