//go:build unix

package worker

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// sampleUsage reports the worker's own heap footprint and cumulative
// CPU time for self-reports and metrics responses.
func sampleUsage() (heapBytes, cpuTimeMs uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapBytes = ms.HeapAlloc

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		userMs := uint64(ru.Utime.Sec)*1000 + uint64(ru.Utime.Usec)/1000
		sysMs := uint64(ru.Stime.Sec)*1000 + uint64(ru.Stime.Usec)/1000
		cpuTimeMs = userMs + sysMs
	}
	return heapBytes, cpuTimeMs
}
