//go:build !unix

package worker

import "runtime"

// sampleUsage reports the worker's heap footprint; CPU accounting is
// unavailable off unix and reads as zero.
func sampleUsage() (heapBytes, cpuTimeMs uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, 0
}
