//go:build linux

package adaptive

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// loadShift is the fixed-point scale of sysinfo load averages.
const loadShift = 1 << 16

// hostPressure derives cpu pressure from the 1-minute load average per cpu
// and memory pressure from free plus buffer memory.
func hostPressure() (cpu, mem float64, err error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, err
	}

	cpu = float64(info.Loads[0]) / loadShift / float64(runtime.NumCPU())

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if total > 0 {
		mem = 1 - float64(free)/float64(total)
	}
	return clamp(cpu, 0, 1), clamp(mem, 0, 1), nil
}
