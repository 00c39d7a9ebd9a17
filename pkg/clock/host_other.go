// ABOUTME: Portable clock access for non-Linux hosts
// ABOUTME: Uses Go's monotonic clock reading relative to process start
//go:build !linux

package clock

import (
	"fmt"
	"time"

	"github.com/Flipstamp/flipstamp-go/pkg/status"
)

const referenceClockID = Monotonic

// Now returns seconds on Go's monotonic clock since process start.
func Now() float64 {
	return portableMonotonic()
}

func readClock(id ID) (uint64, error) {
	switch id {
	case Monotonic:
		return uint64(time.Since(processStart).Nanoseconds()), nil
	case Realtime:
		return uint64(time.Now().UnixNano()), nil
	}
	return 0, fmt.Errorf("clock %s: %w", id, status.ErrUnsupported)
}
