// ABOUTME: Presenter owns all windows and implements swap submission
// ABOUTME: Schedules swaps through the window's backend and compensates compositor delay
package flipstamp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// Presenter is the entry point for timed presentation.
type Presenter struct {
	cfg Config
	log logger

	mu        sync.RWMutex
	windows   arena
	observers []CompletionFunc
	closed    bool

	sleep func(time.Duration)
}

// NewPresenter creates a presenter
func NewPresenter(cfg Config) *Presenter {
	cfg.applyDefaults()
	return &Presenter{
		cfg:   cfg,
		log:   logger{level: cfg.Verbosity},
		sleep: time.Sleep,
	}
}

// OnCompletion registers an observer for every completion returned by
// WaitSwapCompletion.
func (p *Presenter) OnCompletion(fn CompletionFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// OpenWindow attaches a backend and calibrates its clock domain. A clock
// that cannot be calibrated leaves the window on host-time fallback.
func (p *Presenter) OpenWindow(opts WindowOptions) (Handle, error) {
	if opts.Backend == nil {
		return Handle{}, fmt.Errorf("open window without backend: %w", status.ErrInvalidState)
	}

	w := newWindow(opts, p.cfg.Host)
	w.tracker.SetDebug(p.log.debug())

	if opts.Backend.Capabilities().CompletionTimestamps {
		d, err := clock.Calibrate(opts.Backend.ClockProbe(), p.cfg.Host)
		if err == nil {
			err = w.translator.Bind(d)
		}
		if err != nil {
			p.log.warnf("window %s: clock domain unusable (%v), using host time at completion instead", w.session, err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, fmt.Errorf("presenter closed: %w", status.ErrInvalidState)
	}
	h := p.windows.insert(w)
	p.mu.Unlock()

	p.log.infof("Opened %s (session %s) on %s backend, refresh %.3f ms, vsync=%v",
		h, w.session, opts.Backend.Name(), w.refreshInterval*1000, opts.VsyncRequired)

	return h, nil
}

// CloseWindow releases a window and its backend. The handle becomes stale.
func (p *Presenter) CloseWindow(h Handle) error {
	p.mu.Lock()
	w, err := p.windows.remove(h)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if n := w.tracker.Pending(); n > 0 {
		p.log.debugf("closing %s with %d swaps still pending", h, n)
	}
	return w.backend.Close()
}

// Close closes every window.
func (p *Presenter) Close() error {
	p.mu.Lock()
	p.closed = true
	handles := p.windows.all()
	p.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := p.CloseWindow(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Presenter) lookup(h Handle) (*window, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.windows.get(h)
}

// Windows lists open window handles.
func (p *Presenter) Windows() []Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.windows.all()
}

// ScheduleSwap submits a swap for the requested time or frame.
func (p *Presenter) ScheduleSwap(h Handle, r ScheduleRequest) (ScheduleResult, error) {
	w, err := p.lookup(h)
	if err != nil {
		return ScheduleResult{}, err
	}

	req := swap.Request{
		TargetTime:       r.TargetTime,
		TargetFrameCount: r.TargetFrameCount,
		Divisor:          r.Divisor,
		Remainder:        r.Remainder,
		Flags:            r.Flags,
	}
	if err := req.Validate(); err != nil {
		return ScheduleResult{}, err
	}

	caps := w.backend.Capabilities()
	if req.Explicit() && !caps.ExplicitScheduling {
		return ScheduleResult{}, fmt.Errorf("%s backend cannot target frames: %w", w.backend.Name(), status.ErrUnsupported)
	}

	if req.TargetTime > 0 && req.TargetFrameCount == 0 {
		if caps.ExplicitScheduling {
			req.TargetFrameCount = p.frameForTime(w, req.TargetTime)
		}
		if req.TargetFrameCount == 0 {
			p.sleepUntil(p.adjust(w, req.TargetTime, false))
		}
	}

	submitted, scheduled, err := w.tracker.Submit(req, w.backend.SubmitSwap)
	if err != nil {
		p.log.debugf("%s: swap seq %d failed: %v", h, submitted.Seq, err)
		return ScheduleResult{Seq: submitted.Seq}, err
	}

	p.log.debugf("%s: submitted seq %d target=%.6f frame=%d scheduled=%d",
		h, submitted.Seq, submitted.TargetTime, submitted.TargetFrameCount, scheduled)

	return ScheduleResult{Seq: submitted.Seq, ScheduledFrameCount: scheduled}, nil
}

// Swap submits an immediate swap and returns its sequence number.
func (p *Presenter) Swap(h Handle) (uint64, error) {
	res, err := p.ScheduleSwap(h, ScheduleRequest{})
	return res.Seq, err
}

// frameForTime maps a target time to a frame count using the window's
// last onset. Returns 0 when there is no baseline yet.
func (p *Presenter) frameForTime(w *window, target float64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lastFrameCount == 0 || w.lastFrameStart <= 0 || w.refreshInterval <= 0 {
		return 0
	}
	if target <= w.lastFrameStart {
		return w.lastFrameCount + 1
	}
	frames := math.Ceil((target - w.lastFrameStart) / w.refreshInterval)
	return w.lastFrameCount + uint64(frames)
}

func (p *Presenter) sleepUntil(deadline float64) {
	if wait := deadline - p.cfg.Host.Now(); wait > 0 {
		p.sleep(time.Duration(wait * float64(time.Second)))
	}
}

// AdjustForCompositorDelay returns the deadline to request so the swap
// becomes visible at t. It never changes window state.
func (p *Presenter) AdjustForCompositorDelay(h Handle, t float64, calibrationOnly bool) (float64, error) {
	w, err := p.lookup(h)
	if err != nil {
		return t, err
	}
	return p.adjust(w, t, calibrationOnly), nil
}

func (p *Presenter) adjust(w *window, t float64, calibrationOnly bool) float64 {
	profile := w.backend.Compositor()
	if profile.SafetyMargin == 0 {
		profile.SafetyMargin = p.cfg.SwapDelay
	}
	return profile.Adjust(w.timing(), t, calibrationOnly)
}

// EnableSwapEventLogging turns the swap event log of a window on or off.
// Turning it off discards queued events.
func (p *Presenter) EnableSwapEventLogging(h Handle, on bool) error {
	w, err := p.lookup(h)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.logging = on
	if !on {
		w.events = nil
	}
	return nil
}

// NextSwapEvent pops the oldest logged swap event. ok is false when the
// log is empty.
func (p *Presenter) NextSwapEvent(h Handle) (ev SwapEvent, ok bool, err error) {
	w, err := p.lookup(h)
	if err != nil {
		return SwapEvent{}, false, err
	}

	// Resolve whatever arrived so the log is current.
	if _, derr := w.tracker.Dispatch(context.Background()); derr != nil {
		p.log.debugf("%s: dispatch before event fetch: %v", h, derr)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.eventsDropped {
		p.log.warnf("%s: swap event log overflowed, oldest events were dropped", h)
		w.eventsDropped = false
	}
	if len(w.events) == 0 {
		return SwapEvent{}, false, nil
	}
	ev = w.events[0]
	w.events = w.events[1:]
	return ev, true, nil
}

// SetVsync changes whether the window requires tear-free swaps.
func (p *Presenter) SetVsync(h Handle, on bool) error {
	w, err := p.lookup(h)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.vsyncRequired = on
	w.mu.Unlock()
	return nil
}

// LastCompletionDiagnostics returns diagnostics of the newest completion.
func (p *Presenter) LastCompletionDiagnostics(h Handle) (Diagnostics, error) {
	w, err := p.lookup(h)
	if err != nil {
		return Diagnostics{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.diag == nil {
		return Diagnostics{}, fmt.Errorf("%s: no completion yet: %w", h, status.ErrInvalidState)
	}
	return *w.diag, nil
}

// Snapshot returns the timing state of a window.
func (p *Presenter) Snapshot(h Handle) (WindowSnapshot, error) {
	w, err := p.lookup(h)
	if err != nil {
		return WindowSnapshot{}, err
	}

	stats := w.tracker.Stats()
	last := w.tracker.LastSubmitted()

	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowSnapshot{
		Session:         w.session,
		Backend:         w.backend.Name(),
		RefreshInterval: w.refreshInterval,
		LastFrameStart:  w.lastFrameStart,
		LastFrameCount:  w.lastFrameCount,
		VsyncRequired:   w.vsyncRequired,
		LastSubmitted:   last,
		Stats:           stats,
	}, nil
}
