package utils

import (
	"math"
	"runtime/debug"
)

const (
	// UnknownSize is returned by probes that cannot tell the real value
	UnknownSize int64 = math.MaxInt64

	fallbackMemoryBudget int64 = 512 * 1024 * 1024 // 512MB
)

// GetMemoryBudget returns memory available to this process in bytes.
// It prefers the runtime soft limit (GOMEMLIMIT), then total physical memory.
func GetMemoryBudget() int64 {
	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit != math.MaxInt64 {
		return limit
	}

	total := getTotalMemory()
	if total > 0 && total != UnknownSize {
		return total
	}

	return fallbackMemoryBudget
}

// GetFreeDiskSpace returns free bytes available to unprivileged users on the
// filesystem holding path. UnknownSize is returned when it cannot be determined.
func GetFreeDiskSpace(path string) int64 {
	return getFreeDiskSpace(path)
}

// MinInt64 returns min value between val1 and val2
func MinInt64(val1 int64, val2 int64) int64 {
	if val1 <= val2 {
		return val1
	}
	return val2
}
