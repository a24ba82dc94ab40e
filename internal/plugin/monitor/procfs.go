package monitor

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	appErr "orbishost/pkg/errors"
)

// procStatus is the subset of /proc/<pid>/status the monitor reads.
// Sizes arrive in kB and are converted to bytes here.
type procStatus struct {
	RSSBytes     uint64
	VMSBytes     uint64
	PeakRSSBytes uint64
	Threads      uint32
	VoluntaryCtx uint64
	Involuntary  uint64
}

func readProcStatus(root string, pid int) (procStatus, error) {
	path := filepath.Join(root, strconv.Itoa(pid), "status")
	f, err := os.Open(path)
	if err != nil {
		return procStatus{}, appErr.Wrapf(err, appErr.MonitorFailed, "read %s", path)
	}
	defer f.Close()

	var st procStatus
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "VmRSS:":
			st.RSSBytes = parseKB(fields[1])
		case "VmSize:":
			st.VMSBytes = parseKB(fields[1])
		case "VmHWM:":
			st.PeakRSSBytes = parseKB(fields[1])
		case "Threads:":
			if n, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
				st.Threads = uint32(n)
			}
		case "voluntary_ctxt_switches:":
			st.VoluntaryCtx, _ = strconv.ParseUint(fields[1], 10, 64)
		case "nonvoluntary_ctxt_switches:":
			st.Involuntary, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if err := scanner.Err(); err != nil {
		return procStatus{}, appErr.Wrapf(err, appErr.MonitorFailed, "scan %s", path)
	}
	return st, nil
}

func parseKB(s string) uint64 {
	kb, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}

// userHZ is the kernel tick rate /proc/<pid>/stat times are reported
// in. Fixed at 100 on every mainstream Linux configuration.
const userHZ = 100

// procStat is the subset of /proc/<pid>/stat the monitor reads.
type procStat struct {
	State       byte
	MinorFaults uint64
	MajorFaults uint64
	UserTimeUs  uint64
	SysTimeUs   uint64
	Nice        int
}

// readProcStat parses the stat line. The comm field is enclosed in
// parentheses and may itself contain spaces, so fields are counted
// from the last ')' rather than from the start.
func readProcStat(root string, pid int) (procStat, error) {
	path := filepath.Join(root, strconv.Itoa(pid), "stat")
	raw, err := os.ReadFile(path)
	if err != nil {
		return procStat{}, appErr.Wrapf(err, appErr.MonitorFailed, "read %s", path)
	}

	line := string(raw)
	close := strings.LastIndexByte(line, ')')
	if close < 0 {
		return procStat{}, appErr.Newf(appErr.MonitorFailed, "malformed stat line in %s", path)
	}
	rest := strings.Fields(line[close+1:])
	// rest[0] is the state (field 3 overall); field n overall lives at
	// rest[n-3].
	if len(rest) < 17 {
		return procStat{}, appErr.Newf(appErr.MonitorFailed, "truncated stat line in %s", path)
	}

	var st procStat
	st.State = rest[0][0]
	st.MinorFaults, _ = strconv.ParseUint(rest[7], 10, 64)
	st.MajorFaults, _ = strconv.ParseUint(rest[9], 10, 64)

	utime, _ := strconv.ParseUint(rest[11], 10, 64)
	stime, _ := strconv.ParseUint(rest[12], 10, 64)
	st.UserTimeUs = utime * 1_000_000 / userHZ
	st.SysTimeUs = stime * 1_000_000 / userHZ

	st.Nice, _ = strconv.Atoi(rest[16])
	return st, nil
}

// countFDs counts entries in /proc/<pid>/fd.
func countFDs(root string, pid int) (uint32, error) {
	path := filepath.Join(root, strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.MonitorFailed, "read %s", path)
	}
	return uint32(len(entries)), nil
}

// countTCPConnections counts entries in /proc/net/tcp and tcp6. The
// count is system-wide (namespace-wide once the worker is in its own
// network namespace), not per-process: matching socket inodes to fd
// symlinks is not worth the cost for a limit check.
func countTCPConnections(root string) uint32 {
	var count uint32
	for _, name := range []string{"tcp", "tcp6"} {
		path := filepath.Join(root, "net", name)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		first := true
		for scanner.Scan() {
			if first {
				first = false // header line
				continue
			}
			if strings.TrimSpace(scanner.Text()) != "" {
				count++
			}
		}
		f.Close()
	}
	return count
}
