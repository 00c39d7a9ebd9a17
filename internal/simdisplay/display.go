// ABOUTME: Simulated display with a fixed-rate vblank clock
// ABOUTME: Shared timing model behind the simulated flip chain and compositor
package simdisplay

import (
	"math"

	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// Config describes a simulated display.
type Config struct {
	RefreshRate float64           // Hz, default 60
	Host        clock.Host        // default clock.System
	Flags       swap.QualityFlags // quality flags reported for every presentation
}

// DefaultFlags is what a well-behaved display path reports.
const DefaultFlags = swap.VsyncGuaranteed | swap.HardwareClocked | swap.HardwareCompletionSignalled

// Display is a vblank clock. Vblank n happens at start + n*period on the
// host reference clock.
type Display struct {
	host   clock.Host
	period float64
	start  float64
	flags  swap.QualityFlags
}

// New creates a display whose vblank 0 is now.
func New(cfg Config) *Display {
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 60
	}
	if cfg.Host == nil {
		cfg.Host = clock.System
	}
	if cfg.Flags == 0 {
		cfg.Flags = DefaultFlags
	}
	return &Display{
		host:   cfg.Host,
		period: 1 / cfg.RefreshRate,
		start:  cfg.Host.Now(),
		flags:  cfg.Flags,
	}
}

// Period is the refresh interval in seconds.
func (d *Display) Period() float64 { return d.period }

// Now reads the host clock.
func (d *Display) Now() float64 { return d.host.Now() }

// MSC is the count of vblanks that have happened by t.
func (d *Display) MSC(t float64) uint64 {
	if t <= d.start {
		return 0
	}
	return uint64(math.Floor((t - d.start) / d.period))
}

// VBlankTime is the host time of vblank msc.
func (d *Display) VBlankTime(msc uint64) float64 {
	return d.start + float64(msc)*d.period
}

// Probe samples the host clock in nanoseconds. Its offset to the
// reference clock is exact.
func (d *Display) Probe() clock.Probe {
	return hostProbe{d.host}
}

func toNanos(t float64) uint64 {
	if t <= 0 {
		return 0
	}
	return uint64(math.Round(t * 1e9))
}

type hostProbe struct {
	host clock.Host
}

func (p hostProbe) ID() clock.ID { return clock.Monotonic }

func (p hostProbe) FrequencyHz() (float64, error) { return 1e9, nil }

func (p hostProbe) Sample() (uint64, error) { return toNanos(p.host.Now()), nil }

func (p hostProbe) KnownOffset() (float64, bool) { return 0, true }
