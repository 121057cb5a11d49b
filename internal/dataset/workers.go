package dataset

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DefaultWorkers sizes decode pools to the host's logical cores.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}
