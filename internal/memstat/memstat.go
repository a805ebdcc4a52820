// Package memstat provides the heap-watermark sample the in-memory parse
// path uses every 10,000 rows to decide whether to fall back to streaming.
package memstat

import "runtime"

// HeapAlloc returns the current heap-allocated byte count, the same
// runtime.MemStats.HeapAlloc figure the driver compares against
// config.PerformanceConfig.MemoryThresholdBytes.
func HeapAlloc() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapAlloc)
}
