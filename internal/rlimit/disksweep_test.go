package rlimit

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDirSizeSumsNestedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), 100)
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), 250)

	got, err := dirSize(dir)
	if err != nil {
		t.Fatalf("dirSize: %v", err)
	}
	if got != 350 {
		t.Fatalf("expected 350 bytes, got %d", got)
	}
}

func TestDirSizeMissingPathIsZero(t *testing.T) {
	got, err := dirSize(filepath.Join(t.TempDir(), "never-created"))
	if err != nil {
		t.Fatalf("dirSize on missing path: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected 0 for missing path, got %d", got)
	}
}

// TestDirSizeIgnoresSiblingDirectories guards against the sweeper's original
// bug: measuring the whole data-directory mount instead of one sandbox's own
// workspace subtree. A sibling sandbox's files must not count towards this
// one's total.
func TestDirSizeIgnoresSiblingDirectories(t *testing.T) {
	root := t.TempDir()
	mine := filepath.Join(root, "sandbox-mine", "workspace")
	theirs := filepath.Join(root, "sandbox-theirs", "workspace")
	writeFile(t, filepath.Join(mine, "small.txt"), 10)
	writeFile(t, filepath.Join(theirs, "huge.txt"), 10_000_000)

	got, err := dirSize(mine)
	if err != nil {
		t.Fatalf("dirSize: %v", err)
	}
	if got != 10 {
		t.Fatalf("expected sibling's files excluded, got %d", got)
	}
}

func TestDiskSweeperCheckFiresOnExceeded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "big.bin"), 1000)

	var got *DiskQuotaExceeded
	s := NewDiskSweeper("sbx-1", dir, 100, func(reason *DiskQuotaExceeded) {
		got = reason
	})
	s.check()

	if got == nil {
		t.Fatal("expected onExceeded to fire")
	}
	if got.SandboxID != "sbx-1" || got.UsedBytes != 1000 || got.LimitBytes != 100 {
		t.Fatalf("unexpected reason: %+v", got)
	}
}

func TestDiskSweeperCheckStaysQuietUnderLimit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "small.bin"), 10)

	fired := false
	s := NewDiskSweeper("sbx-1", dir, 1000, func(*DiskQuotaExceeded) {
		fired = true
	})
	s.check()

	if fired {
		t.Fatal("expected onExceeded not to fire under the limit")
	}
}

func TestDiskSweeperStartStopDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	s := NewDiskSweeper("sbx-1", dir, DefaultLimits().DiskBytes, func(*DiskQuotaExceeded) {})
	s.Start()
	s.Stop()
}
