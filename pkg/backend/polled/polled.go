// ABOUTME: Polled compositor timing backend
// ABOUTME: Reads the compositor's latest frame timing snapshot and matches it to submissions
package polled

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/Flipstamp/flipstamp-go/pkg/backend"
	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/compositor"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// TimingInfo is the compositor's timing snapshot. Counter values are in
// ticks of the performance counter.
type TimingInfo struct {
	QPCRefreshPeriod       uint64 // length of one refresh
	QPCVBlank              uint64 // time of the latest vblank
	CRefresh               uint64 // refresh count at that vblank
	QPCFrameComplete       uint64 // time the latest client frame completed
	CFrameComplete         uint64 // id of the latest completed client frame
	CRefreshFrameDisplayed uint64 // refresh count the frame was displayed in
	RateCompose            float64
}

// TimingSource is a compositor that exposes polled timing.
type TimingSource interface {
	SwapBuffers() error
	CompositionEnabled() (bool, error)
	TimingInfo() (TimingInfo, error)
	// Frequency is the performance counter rate in Hz.
	Frequency() float64
	// Counter reads the performance counter.
	Counter() (uint64, error)
}

// Backend adapts a TimingSource to backend.Backend. Client frames are
// numbered from 1 in submission order, matching CFrameComplete.
type Backend struct {
	src TimingSource

	mu       sync.Mutex
	frames   uint64
	pending  []pendingFrame
	interval float64
}

type pendingFrame struct {
	seq uint64
	id  uint64
}

// New creates a polled timing backend. A source whose counter frequency
// is too low to timestamp refresh cycles is accepted but reports no
// completion timestamps.
func New(src TimingSource) *Backend {
	b := &Backend{src: src}

	if freq := src.Frequency(); freq < clock.MinHealthyFrequencyHz {
		log.Printf("WARNING: performance counter frequency %.0f Hz too low, onset timestamping disabled", freq)
	} else if info, err := src.TimingInfo(); err == nil && info.QPCRefreshPeriod > 0 {
		b.interval = float64(info.QPCRefreshPeriod) / freq
	}

	return b
}

func (b *Backend) Name() string { return "polled" }

func (b *Backend) Kind() backend.Kind { return backend.PolledCompositorTiming }

// Capabilities depend on a usable performance counter.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		ExplicitScheduling:   false,
		CompletionTimestamps: b.src.Frequency() >= clock.MinHealthyFrequencyHz,
	}
}

func (b *Backend) ClockProbe() clock.Probe { return counterProbe{b.src} }

func (b *Backend) RefreshInterval() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

// Compositor shows every frame one refresh late while composition is on.
func (b *Backend) Compositor() compositor.Profile {
	active := compositor.Unknown
	if on, err := b.src.CompositionEnabled(); err == nil {
		if on {
			active = compositor.Active
		} else {
			active = compositor.Inactive
		}
	}
	return compositor.Profile{Mode: compositor.FullFrameLag, Active: active}
}

// SubmitSwap presents the next client frame.
func (b *Backend) SubmitSwap(req swap.Request) (uint64, error) {
	if req.Explicit() {
		return 0, fmt.Errorf("frame targeted swaps on %s: %w", b.Name(), status.ErrUnsupported)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.src.SwapBuffers(); err != nil {
		return 0, fmt.Errorf("swap seq %d: %w", req.Seq, err)
	}
	b.frames++
	b.pending = append(b.pending, pendingFrame{seq: req.Seq, id: b.frames})
	return 0, nil
}

// Dispatch matches the latest completed frame. Pending frames older than
// it were replaced before they could be shown and resolve as discarded.
func (b *Backend) Dispatch(ctx context.Context) ([]swap.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil, nil
	}

	info, err := b.src.TimingInfo()
	if err != nil {
		return nil, fmt.Errorf("query composition timing: %v: %w", err, status.ErrQueryFailed)
	}

	var refreshNsec uint32
	if freq := b.src.Frequency(); freq > 0 && info.QPCRefreshPeriod > 0 {
		b.interval = float64(info.QPCRefreshPeriod) / freq
		refreshNsec = uint32(b.interval * 1e9)
	}

	flags := swap.VsyncGuaranteed | swap.HardwareClocked
	if on, err := b.src.CompositionEnabled(); err == nil && !on {
		flags |= swap.ZeroCopy
	}

	var events []swap.Event
	n := 0
	for ; n < len(b.pending) && b.pending[n].id <= info.CFrameComplete; n++ {
		p := b.pending[n]
		if p.id < info.CFrameComplete {
			events = append(events, swap.Event{Seq: p.seq, Outcome: swap.Discard{}})
			continue
		}
		events = append(events, swap.Event{
			Seq: p.seq,
			Outcome: swap.Presented{
				Raw:          info.QPCFrameComplete,
				FrameCounter: info.CRefreshFrameDisplayed,
				Flags:        flags,
				RefreshNsec:  refreshNsec,
			},
		})
	}
	b.pending = append(b.pending[:0], b.pending[n:]...)

	return events, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	return nil
}

// counterProbe exposes the performance counter for calibration.
type counterProbe struct {
	src TimingSource
}

func (p counterProbe) ID() clock.ID { return clock.PerformanceCounter }

func (p counterProbe) FrequencyHz() (float64, error) { return p.src.Frequency(), nil }

func (p counterProbe) Sample() (uint64, error) { return p.src.Counter() }
