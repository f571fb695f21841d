//go:build linux

package rlimit

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cgroupDir is a thin wrapper around the cgroupv2 filesystem API, adapted
// from SnellerInc-sneller/cgroup's Dir type for this domain: one subdirectory
// per sandbox under a root owned by this process.
type cgroupDir string

func (d cgroupDir) join(name string) string { return filepath.Join(string(d), name) }

func (d cgroupDir) writeLine(name string, val []byte) error {
	f, err := os.OpenFile(d.join(name), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(val)
	return err
}

func (d cgroupDir) writeInt(name string, val int64) error {
	return d.writeLine(name, strconv.AppendInt(nil, val, 10))
}

func (d cgroupDir) create(name string) (cgroupDir, error) {
	sub := cgroupDir(d.join(name))
	if err := os.MkdirAll(string(sub), 0755); err != nil {
		return "", err
	}
	return sub, nil
}

func (d cgroupDir) remove() error {
	return os.Remove(string(d))
}

// cgroupRoot returns the first cgroup2 mountpoint found in /proc/mounts.
func cgroupRoot() (cgroupDir, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) >= 3 && parts[2] == "cgroup2" {
			return cgroupDir(parts[1]), nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fs.ErrNotExist
}

// cgroupSelf returns the cgroup of the current process.
func cgroupSelf() (cgroupDir, error) {
	text, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	if len(text) < 3 || text[0] != '0' || text[1] != ':' || text[2] != ':' {
		return "", fmt.Errorf("unrecognized /proc/self/cgroup format: %s", text)
	}
	text = bytes.TrimSpace(text)
	i := bytes.IndexByte(text, '/')
	if i < 0 {
		return "", fmt.Errorf("%s is not a valid cgroup path", text)
	}
	root, err := cgroupRoot()
	if err != nil {
		return "", err
	}
	return cgroupDir(root.join(string(text[i:]))), nil
}

// CgroupLimiter applies limits via a per-sandbox cgroupv2 directory.
type CgroupLimiter struct {
	sandboxID string
	dir       cgroupDir
}

// NewCgroupLimiter probes for a delegated cgroupv2 hierarchy and, if found,
// prepares (without yet creating) a per-sandbox cgroup. Returns an error if
// cgroupv2 is unavailable so callers can fall back to RlimitLimiter.
func NewCgroupLimiter(sandboxID string) (*CgroupLimiter, error) {
	self, err := cgroupSelf()
	if err != nil {
		return nil, fmt.Errorf("cgroupv2 unavailable: %w", err)
	}
	return &CgroupLimiter{sandboxID: sandboxID, dir: cgroupDir(self.join("ash-" + sandboxID))}, nil
}

func (c *CgroupLimiter) Name() string { return "cgroupv2" }

func (c *CgroupLimiter) Apply(pid int, lim Limits) error {
	if err := os.MkdirAll(string(c.dir), 0755); err != nil {
		return fmt.Errorf("create cgroup dir: %w", err)
	}
	if err := c.dir.writeInt("memory.max", lim.MemoryBytes); err != nil {
		return fmt.Errorf("set memory.max: %w", err)
	}
	// cpu.max is "<quota> <period>"; quota scales CPUPercent against a
	// 100000us period (cgroupv2 convention).
	quota := int64(lim.CPUPercent) * 1000
	if err := c.dir.writeLine("cpu.max", []byte(fmt.Sprintf("%d 100000", quota))); err != nil {
		return fmt.Errorf("set cpu.max: %w", err)
	}
	if err := c.dir.writeInt("pids.max", lim.MaxPids); err != nil {
		return fmt.Errorf("set pids.max: %w", err)
	}
	if err := c.dir.writeInt("cgroup.procs", int64(pid)); err != nil {
		return fmt.Errorf("assign pid to cgroup: %w", err)
	}
	return nil
}

func (c *CgroupLimiter) Release() error {
	return c.dir.remove()
}
