// ABOUTME: Common interface of the presentation backends
// ABOUTME: One polymorphic backend per window: legacy poll, push feedback, or polled timing
package backend

import (
	"context"
	"fmt"

	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/compositor"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// Kind identifies the backend family.
type Kind int

const (
	// LegacyPoll queries swap-buffer and frame counters after the fact.
	LegacyPoll Kind = iota
	// PushFeedback receives per-swap presentation events from a compositor.
	PushFeedback
	// PolledCompositorTiming reads the compositor's latest timing snapshot.
	PolledCompositorTiming
)

func (k Kind) String() string {
	switch k {
	case LegacyPoll:
		return "legacy-poll"
	case PushFeedback:
		return "push-feedback"
	case PolledCompositorTiming:
		return "polled-compositor-timing"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Capabilities describe what a backend can do.
type Capabilities struct {
	// ExplicitScheduling means swaps can target a frame count or modulus.
	ExplicitScheduling bool
	// CompletionTimestamps means completion records carry onset times.
	CompletionTimestamps bool
}

// Backend is the platform side of one window's swap chain.
type Backend interface {
	Name() string
	Kind() Kind
	Capabilities() Capabilities

	// ClockProbe returns the clock the backend timestamps in.
	ClockProbe() clock.Probe

	// RefreshInterval is the nominal video refresh interval in seconds,
	// 0 if unknown.
	RefreshInterval() float64

	// SubmitSwap hands a numbered request to the platform. It returns the
	// frame count the swap is scheduled for, 0 if unknown.
	SubmitSwap(req swap.Request) (uint64, error)

	// Dispatch returns the completion events available right now. It
	// never blocks beyond one platform query.
	Dispatch(ctx context.Context) ([]swap.Event, error)

	// Compositor describes the compositor in front of the window.
	Compositor() compositor.Profile

	Close() error
}

// NextFrame returns the first frame count at or after target that
// satisfies frame % divisor == remainder. Frame counts not past current
// are moved to the next frame.
func NextFrame(current, target, divisor, remainder uint64) uint64 {
	if target <= current {
		target = current + 1
	}
	if divisor == 0 {
		return target
	}
	if m := target % divisor; m != remainder {
		target += (remainder + divisor - m) % divisor
	}
	return target
}
