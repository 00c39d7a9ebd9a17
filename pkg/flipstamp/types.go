// ABOUTME: Public types of the presenter boundary
// ABOUTME: Window handles, schedule requests, completions, and swap events
package flipstamp

import (
	"fmt"

	"github.com/Flipstamp/flipstamp-go/pkg/backend"
	"github.com/Flipstamp/flipstamp-go/pkg/reliability"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// Handle addresses a window in the presenter's arena. A handle becomes
// stale once its window is closed.
type Handle struct {
	Index      uint32
	Generation uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("window#%d.%d", h.Index, h.Generation)
}

// FallbackTimestamper computes an onset time when the backend's own
// timestamp is not hardware clocked, e.g. from beam position queries.
type FallbackTimestamper interface {
	OnsetTimestamp(rec swap.Record, refreshInterval float64) (float64, error)
}

// FallbackFunc adapts a function to FallbackTimestamper.
type FallbackFunc func(rec swap.Record, refreshInterval float64) (float64, error)

// OnsetTimestamp calls f
func (f FallbackFunc) OnsetTimestamp(rec swap.Record, refreshInterval float64) (float64, error) {
	return f(rec, refreshInterval)
}

// WindowOptions configure OpenWindow.
type WindowOptions struct {
	Backend backend.Backend

	// VsyncRequired marks the window as tear-free presentation only.
	VsyncRequired bool

	// FullscreenOpaque marks an undecorated, topmost, opaque window that
	// should be scanned out without compositor copies.
	FullscreenOpaque bool

	// Fallback is optional.
	Fallback FallbackTimestamper

	// SwapEventLogging retains resolved swaps for NextSwapEvent.
	SwapEventLogging bool
}

// ScheduleRequest asks for a swap at a time or frame.
type ScheduleRequest struct {
	TargetTime       float64 // reference seconds, 0 = asap
	TargetFrameCount uint64
	Divisor          uint64
	Remainder        uint64
	Flags            swap.ConstraintFlags
}

// ScheduleResult reports what was submitted.
type ScheduleResult struct {
	Seq                 uint64
	ScheduledFrameCount uint64 // 0 when the backend cannot tell
}

// Source says where an onset timestamp came from.
type Source int

const (
	// SourceBackend is a translated backend timestamp.
	SourceBackend Source = iota
	// SourceHost is the host clock sampled when the swap resolved.
	SourceHost
	// SourceFallback is the window's fallback timestamper.
	SourceFallback
)

func (s Source) String() string {
	switch s {
	case SourceBackend:
		return "backend"
	case SourceHost:
		return "host"
	case SourceFallback:
		return "fallback"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Completion is the outcome of WaitSwapCompletion.
type Completion struct {
	Session      string
	Seq          uint64
	Status       swap.Status
	OnsetTime    float64 // reference seconds, 0 when discarded
	FrameCounter uint64
	Flags        swap.QualityFlags
	Source       Source
	Verdict      reliability.Verdict
}

// SwapEvent is one logged swap, fetched oldest first.
type SwapEvent struct {
	Session          string
	OnsetTime        float64
	OnsetVBLCount    uint64
	SwapbuffersCount uint64
	SwapType         reliability.SwapType
	BackendFeedback  string
}

// Diagnostics describe the latest completion of a window.
type Diagnostics struct {
	Seq     uint64
	Backend string
	Flags   string
	Verdict reliability.Verdict
	Source  Source

	// Submit to present, present to previous present, and target to
	// present, in seconds. Zero when not applicable.
	C2P float64
	P2P float64
	T2P float64
}

// WindowSnapshot is a read-only view of window timing state.
type WindowSnapshot struct {
	Session         string
	Backend         string
	RefreshInterval float64
	LastFrameStart  float64
	LastFrameCount  uint64
	VsyncRequired   bool
	LastSubmitted   uint64
	Stats           swap.TrackerStats
}

// CompletionFunc observes every completion a waiter returns.
type CompletionFunc func(Completion)
