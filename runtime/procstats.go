package runtime

import (
	"runtime"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// ProcStats is a point-in-time snapshot of host and Go runtime resource usage.
type ProcStats struct {
	CPUPercent     float64
	MemUsedPercent float64
	HeapAllocBytes uint64
	Goroutines     int
}

// SnapshotProcStats collects current cpu, memory, and goroutine figures.
// Collection failures leave the corresponding field at zero rather than
// failing the caller; this feeds periodic operational logs only.
func SnapshotProcStats() ProcStats {
	var stats ProcStats

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		stats.MemUsedPercent = vm.UsedPercent
	}

	var memStats runtime.MemStats

	runtime.ReadMemStats(&memStats)
	stats.HeapAllocBytes = memStats.HeapAlloc
	stats.Goroutines = runtime.NumGoroutine()

	return stats
}
