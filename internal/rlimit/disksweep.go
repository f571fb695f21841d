package rlimit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// DiskQuotaExceeded is the distinguished reason surfaced when a sandbox's
// workspace outgrows Limits.DiskBytes (spec.md §4.2).
type DiskQuotaExceeded struct {
	SandboxID  string
	UsedBytes  uint64
	LimitBytes int64
}

func (e *DiskQuotaExceeded) Error() string {
	return fmt.Sprintf("sandbox %s exceeded disk quota: %d/%d bytes", e.SandboxID, e.UsedBytes, e.LimitBytes)
}

// DiskSweeper periodically sums the size of a sandbox's workspace tree and
// invokes onExceeded when it crosses Limits.DiskBytes.
type DiskSweeper struct {
	sandboxID  string
	path       string
	limitBytes int64
	onExceeded func(*DiskQuotaExceeded)
	stop       chan struct{}
}

func NewDiskSweeper(sandboxID, path string, limitBytes int64, onExceeded func(*DiskQuotaExceeded)) *DiskSweeper {
	return &DiskSweeper{
		sandboxID:  sandboxID,
		path:       path,
		limitBytes: limitBytes,
		onExceeded: onExceeded,
		stop:       make(chan struct{}),
	}
}

func (s *DiskSweeper) Start() {
	go s.loop()
}

func (s *DiskSweeper) Stop() {
	close(s.stop)
}

func (s *DiskSweeper) loop() {
	ticker := time.NewTicker(DiskSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *DiskSweeper) check() {
	used, err := dirSize(s.path)
	if err != nil {
		log.Printf("disk sweeper: sandbox %s: failed to measure %s: %v", s.sandboxID, s.path, err)
		return
	}
	if int64(used) > s.limitBytes {
		s.onExceeded(&DiskQuotaExceeded{SandboxID: s.sandboxID, UsedBytes: used, LimitBytes: s.limitBytes})
	}
}

// dirSize sums file sizes recursively under path, the same filepath.Walk
// traversal internal/workspace's copyTree uses. A missing path (sandbox
// torn down mid-tick) measures as zero rather than an error.
func dirSize(path string) (uint64, error) {
	var total uint64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return total, nil
}
