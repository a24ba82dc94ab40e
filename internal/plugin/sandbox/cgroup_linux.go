//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"orbishost/internal/plugin/policy"
	appErr "orbishost/pkg/errors"
)

// CgroupController owns one cgroup v2 directory scoped to a single
// plugin. The directory exists for the controller's lifetime and is
// removed by Release; creating a second controller for the same plugin
// name fails.
type CgroupController struct {
	plugin string
	path   string

	mu       sync.Mutex
	released bool
}

// NewCgroupController creates <root>/<plugin> and claims it.
func NewCgroupController(root, plugin string) (*CgroupController, error) {
	if root == "" {
		root = DefaultCgroupRoot
	}
	if plugin == "" {
		return nil, appErr.New(appErr.CgroupFailed).WithMessage("plugin name is required")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, appErr.Wrapf(err, appErr.CgroupFailed, "create cgroup root %s", root)
	}
	path := filepath.Join(root, plugin)
	if err := os.Mkdir(path, 0750); err != nil {
		if os.IsExist(err) {
			return nil, appErr.Newf(appErr.CgroupFailed, "cgroup for plugin %s already exists", plugin)
		}
		return nil, appErr.Wrapf(err, appErr.CgroupFailed, "create cgroup %s", path)
	}
	return &CgroupController{plugin: plugin, path: path}, nil
}

// ApplyLimits writes the resource ceilings: memory.max plus a 90%
// memory.high soft limit, a one-CPU cpu.max quota, and pids.max from
// the thread cap. memory.high is best-effort.
func (c *CgroupController) ApplyLimits(limits policy.ResourceLimits) error {
	if limits.MaxHeapBytes > 0 {
		if err := c.write("memory.max", strconv.FormatUint(limits.MaxHeapBytes, 10)); err != nil {
			return err
		}
		high := limits.MaxHeapBytes / 10 * 9
		_ = c.write("memory.high", strconv.FormatUint(high, 10))
	}
	if err := c.write("cpu.max", "100000 100000"); err != nil {
		return err
	}
	pidsValue := "max"
	if limits.MaxThreads > 0 {
		pidsValue = strconv.FormatUint(uint64(limits.MaxThreads), 10)
	}
	return c.write("pids.max", pidsValue)
}

// AddProcess moves pid into the cgroup.
func (c *CgroupController) AddProcess(pid int) error {
	if pid <= 0 {
		return appErr.Newf(appErr.CgroupFailed, "invalid pid %d", pid)
	}
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// Usage samples current and peak memory, accumulated CPU time, live
// pid count, and oom-kill count. memory.peak and pids.current are
// optional interface files; their absence is not an error.
func (c *CgroupController) Usage() (Usage, error) {
	var u Usage

	current, err := c.readInt("memory.current")
	if err != nil {
		return Usage{}, err
	}
	u.MemoryBytes = uint64(current)

	if peak, err := c.readInt("memory.peak"); err == nil {
		u.MemoryPeakBytes = uint64(peak)
	}
	if pids, err := c.readInt("pids.current"); err == nil {
		u.CurrentPids = uint64(pids)
	}

	usec, err := c.readCPUStatUsec()
	if err != nil {
		return Usage{}, err
	}
	u.CPUTimeMs = usec / 1000

	u.OOMKills = c.readOOMKills()
	return u, nil
}

// Kill terminates every process in the cgroup via cgroup.kill.
func (c *CgroupController) Kill() error {
	killPath := filepath.Join(c.path, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return appErr.Wrapf(err, appErr.CgroupFailed, "cgroup.kill unavailable for %s", c.plugin)
	}
	if err := os.WriteFile(killPath, []byte("1"), 0600); err != nil {
		return appErr.Wrapf(err, appErr.CgroupFailed, "kill cgroup %s", c.plugin)
	}
	return nil
}

// Release removes the cgroup directory. Idempotent; retries briefly
// because the kernel keeps the directory busy until all members exit.
func (c *CgroupController) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		lastErr = os.Remove(c.path)
		if lastErr == nil || os.IsNotExist(lastErr) {
			c.released = true
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return appErr.Wrapf(lastErr, appErr.CgroupFailed, "remove cgroup %s", c.path)
}

// Path returns the cgroup directory.
func (c *CgroupController) Path() string {
	return c.path
}

func (c *CgroupController) write(name, value string) error {
	path := filepath.Join(c.path, name)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		return appErr.Wrapf(err, appErr.CgroupFailed, "write %s", path)
	}
	return nil
}

func (c *CgroupController) readInt(name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, name))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CgroupFailed, "read %s", name)
	}
	value := strings.TrimSpace(string(data))
	if value == "max" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CgroupFailed, "parse %s", name)
	}
	return parsed, nil
}

func (c *CgroupController) readCPUStatUsec() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cpu.stat"))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CgroupFailed, "read cpu.stat")
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			usec, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, appErr.Wrapf(err, appErr.CgroupFailed, "parse cpu.stat")
			}
			return usec, nil
		}
	}
	return 0, appErr.New(appErr.CgroupFailed).WithMessage(fmt.Sprintf("usage_usec missing from cpu.stat for %s", c.plugin))
}

func (c *CgroupController) readOOMKills() uint64 {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			val, _ := strconv.ParseUint(fields[1], 10, 64)
			return val
		}
	}
	return 0
}
