// ABOUTME: Compositor delay compensation for swap deadlines
// ABOUTME: Moves a desired onset earlier so the compositor still makes the frame
package compositor

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
)

// DefaultSafetyMargin is how far past the start of a refresh cycle a
// compensated deadline lands, in seconds.
const DefaultSafetyMargin = 0.0002

// SwapDelayEnv overrides the safety margin when set.
const SwapDelayEnv = "FLIPSTAMP_SWAPDELAY"

// Mode selects the compensation model of a backend.
type Mode int

const (
	// None leaves deadlines untouched.
	None Mode = iota
	// FullFrameLag means the compositor always shows a frame one refresh late.
	FullFrameLag
	// CompositionDeadline means the compositor latches client buffers at a
	// fixed point in each refresh cycle.
	CompositionDeadline
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case FullFrameLag:
		return "full-frame-lag"
	case CompositionDeadline:
		return "composition-deadline"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// TriState is a yes/no answer that may be unknown.
type TriState int

const (
	Unknown TriState = iota
	Active
	Inactive
)

func (s TriState) String() string {
	switch s {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	}
	return "unknown"
}

// Profile describes the compositor in front of a window.
type Profile struct {
	Mode         Mode
	Active       TriState
	SafetyMargin float64
}

// engaged reports whether compensation applies. An unknown compositor
// state is treated as active.
func (p Profile) engaged() bool {
	return p.Mode != None && p.Active != Inactive
}

// WindowTiming is the window state compensation reads.
type WindowTiming struct {
	RefreshInterval float64 // seconds
	LastFrameStart  float64 // reference seconds of the latest onset, 0 if none
}

// Adjust returns the deadline to hand to the backend so that the swap
// becomes visible at desired. calibrationOnly requests a no-op.
func (p Profile) Adjust(w WindowTiming, desired float64, calibrationOnly bool) float64 {
	if calibrationOnly || !p.engaged() || w.RefreshInterval <= 0 {
		return desired
	}

	switch p.Mode {
	case FullFrameLag:
		return desired - w.RefreshInterval

	case CompositionDeadline:
		if w.LastFrameStart <= 0 || desired <= w.LastFrameStart {
			return desired
		}
		n := math.Floor((desired - w.LastFrameStart) / w.RefreshInterval)
		return w.LastFrameStart + n*w.RefreshInterval + p.SafetyMargin
	}

	return desired
}

// MarginFromEnv reads SwapDelayEnv, returning def when unset or invalid.
func MarginFromEnv(def float64) float64 {
	v := os.Getenv(SwapDelayEnv)
	if v == "" {
		return def
	}

	margin, err := strconv.ParseFloat(v, 64)
	if err != nil || margin < 0 || math.IsNaN(margin) || math.IsInf(margin, 0) {
		log.Printf("WARNING: ignoring invalid %s=%q", SwapDelayEnv, v)
		return def
	}

	log.Printf("Compositor swap delay margin overridden to %.6f s", margin)
	return margin
}
