// ABOUTME: Legacy poll backend built on swap-buffer and media-stream counters
// ABOUTME: Resolves swaps by comparing the completed swap count against submissions
package legacy

import (
	"context"
	"fmt"
	"sync"

	"github.com/Flipstamp/flipstamp-go/pkg/backend"
	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/compositor"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// SyncValues is a snapshot of the display counters.
type SyncValues struct {
	UST   uint64 // timestamp of the latest completed swap, in the source clock
	MSC   uint64 // media stream (refresh) count at that swap
	SBC   uint64 // number of swaps completed so far
	Flags swap.QualityFlags
}

// Source is a display that counts swaps and refreshes.
type Source interface {
	// SwapBuffers queues an immediate swap and returns its swap count.
	SwapBuffers() (uint64, error)
	// SwapBuffersMSC queues a swap for the first refresh at or after
	// target satisfying msc % divisor == remainder. It returns the swap
	// count and the refresh count the swap is scheduled for.
	SwapBuffersMSC(target, divisor, remainder uint64) (sbc, msc uint64, err error)
	SyncValues() (SyncValues, error)
	ClockProbe() clock.Probe
	RefreshInterval() float64
}

// SwapHistory is implemented by sources that remember the counters of
// recent swaps, not only the newest one.
type SwapHistory interface {
	// SyncValuesAt returns the counters recorded when swap sbc completed.
	SyncValuesAt(sbc uint64) (SyncValues, bool)
}

type pendingSwap struct {
	seq uint64
	sbc uint64
}

// Backend polls a Source for completed swaps.
type Backend struct {
	src Source

	mu      sync.Mutex
	pending []pendingSwap
	closed  bool
}

// New creates a legacy poll backend
func New(src Source) *Backend {
	return &Backend{src: src}
}

func (b *Backend) Name() string { return "legacy" }

func (b *Backend) Kind() backend.Kind { return backend.LegacyPoll }

func (b *Backend) ClockProbe() clock.Probe { return b.src.ClockProbe() }

func (b *Backend) RefreshInterval() float64 { return b.src.RefreshInterval() }

// Capabilities: counters allow explicit frame targets.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{ExplicitScheduling: true, CompletionTimestamps: true}
}

// Compositor reports no compositor; the source flips directly.
func (b *Backend) Compositor() compositor.Profile {
	return compositor.Profile{Mode: compositor.None, Active: compositor.Inactive}
}

// SubmitSwap queues the swap, honoring frame count and modulus targets.
func (b *Backend) SubmitSwap(req swap.Request) (uint64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, fmt.Errorf("legacy backend closed: %w", status.ErrInvalidState)
	}

	var sbc, scheduled uint64
	var err error
	if req.Explicit() {
		divisor, remainder := req.Constraint()
		sbc, scheduled, err = b.src.SwapBuffersMSC(req.TargetFrameCount, divisor, remainder)
	} else {
		sbc, err = b.src.SwapBuffers()
	}
	if err != nil {
		return 0, fmt.Errorf("swap seq %d: %w", req.Seq, err)
	}

	b.pending = append(b.pending, pendingSwap{seq: req.Seq, sbc: sbc})
	return scheduled, nil
}

// Dispatch resolves every pending swap whose swap count has completed.
// Swaps older than the newest completed one take their own counters from
// a SwapHistory source; see countersFor otherwise.
func (b *Backend) Dispatch(ctx context.Context) ([]swap.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil, nil
	}

	sv, err := b.src.SyncValues()
	if err != nil {
		return nil, fmt.Errorf("query sync values: %v: %w", err, status.ErrQueryFailed)
	}

	refresh := uint32(b.src.RefreshInterval() * 1e9)

	n := 0
	for n < len(b.pending) && b.pending[n].sbc <= sv.SBC {
		n++
	}
	if n == 0 {
		return nil, nil
	}

	hist, _ := b.src.(SwapHistory)
	events := make([]swap.Event, 0, n)
	for _, p := range b.pending[:n] {
		at := sv
		if p.sbc != sv.SBC {
			at = countersFor(hist, p.sbc, sv)
		}
		events = append(events, swap.Event{
			Seq: p.seq,
			Outcome: swap.Presented{
				Raw:          at.UST,
				FrameCounter: at.MSC,
				Flags:        at.Flags,
				RefreshNsec:  refresh,
			},
		})
	}
	b.pending = append(b.pending[:0], b.pending[n:]...)

	return events, nil
}

// countersFor returns the counters of an older swap sbc. Without history
// only the newest swap's counters are known. The older swap really became
// visible earlier, so it keeps those counters but loses both hardware
// flags and never grades better than a warning.
func countersFor(hist SwapHistory, sbc uint64, newest SyncValues) SyncValues {
	if hist != nil {
		if sv, ok := hist.SyncValuesAt(sbc); ok && sv.SBC == sbc {
			return sv
		}
	}
	sv := newest
	sv.SBC = sbc
	sv.Flags &^= swap.HardwareClocked | swap.HardwareCompletionSignalled
	return sv
}

// Close drops pending swaps.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.pending = nil
	return nil
}
