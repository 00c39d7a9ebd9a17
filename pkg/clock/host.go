// ABOUTME: Host reference clock and system clock probes
// ABOUTME: The reference clock every translated timestamp is expressed in
package clock

import "time"

// Host reads the reference clock in seconds.
type Host interface {
	Now() float64
}

// HostFunc adapts a function to Host.
type HostFunc func() float64

// Now calls f
func (f HostFunc) Now() float64 { return f() }

// System is the process-wide reference clock.
var System Host = HostFunc(Now)

// processStart anchors the portable monotonic fallback.
var processStart = time.Now()

// SystemProbe samples one of the operating system clocks in nanoseconds.
type SystemProbe struct {
	id ID
}

// NewSystemProbe creates a probe for an OS clock.
func NewSystemProbe(id ID) *SystemProbe {
	return &SystemProbe{id: id}
}

// ID returns the probed clock
func (p *SystemProbe) ID() ID { return p.id }

// FrequencyHz is fixed: OS clocks are read in nanoseconds.
func (p *SystemProbe) FrequencyHz() (float64, error) { return 1e9, nil }

// Sample reads the clock.
func (p *SystemProbe) Sample() (uint64, error) { return readClock(p.id) }

// KnownOffset is exact for the clock the reference clock is built on.
func (p *SystemProbe) KnownOffset() (float64, bool) {
	if p.id == referenceClockID {
		return 0, true
	}
	return 0, false
}

func portableMonotonic() float64 {
	return time.Since(processStart).Seconds()
}
