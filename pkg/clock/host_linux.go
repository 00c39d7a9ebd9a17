// ABOUTME: Linux clock access through clock_gettime
// ABOUTME: Maps clock IDs onto CLOCK_* ids and reads them in nanoseconds
//go:build linux

package clock

import (
	"fmt"

	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"golang.org/x/sys/unix"
)

const referenceClockID = Monotonic

// Now returns CLOCK_MONOTONIC in seconds.
func Now() float64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return portableMonotonic()
	}
	return float64(ts.Nano()) / 1e9
}

func readClock(id ID) (uint64, error) {
	var clk int32
	switch id {
	case Monotonic:
		clk = unix.CLOCK_MONOTONIC
	case Realtime:
		clk = unix.CLOCK_REALTIME
	case MonotonicRaw:
		clk = unix.CLOCK_MONOTONIC_RAW
	case BootTime:
		clk = unix.CLOCK_BOOTTIME
	default:
		return 0, fmt.Errorf("clock %s: %w", id, status.ErrUnsupported)
	}

	var ts unix.Timespec
	if err := unix.ClockGettime(clk, &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime(%s): %v: %w", id, err, status.ErrQueryFailed)
	}
	return uint64(ts.Nano()), nil
}
