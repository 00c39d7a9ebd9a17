// ABOUTME: Per-window presentation state and the generational window arena
// ABOUTME: Each window owns its tracker, clock translator, and swap event queue
package flipstamp

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Flipstamp/flipstamp-go/pkg/backend"
	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/compositor"
	"github.com/Flipstamp/flipstamp-go/pkg/reliability"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// maxQueuedEvents bounds the swap event log of a window.
const maxQueuedEvents = 4096

type window struct {
	session    string
	backend    backend.Backend
	tracker    *swap.Tracker
	translator *clock.Translator

	mu               sync.Mutex
	vsyncRequired    bool
	fullscreenOpaque bool
	fallback         FallbackTimestamper
	logging          bool
	refreshInterval  float64
	lastFrameStart   float64
	lastFrameCount   uint64
	lastOnsetSeq     uint64
	events           []SwapEvent
	eventsDropped    bool
	notices          map[reliability.Code]bool
	diag             *Diagnostics
}

func newWindow(opts WindowOptions, host clock.Host) *window {
	w := &window{
		session:          uuid.New().String(),
		backend:          opts.Backend,
		translator:       clock.NewTranslator(),
		vsyncRequired:    opts.VsyncRequired,
		fullscreenOpaque: opts.FullscreenOpaque,
		fallback:         opts.Fallback,
		logging:          opts.SwapEventLogging,
		refreshInterval:  opts.Backend.RefreshInterval(),
		notices:          make(map[reliability.Code]bool),
	}
	w.tracker = swap.NewTracker(opts.Backend, host)
	w.tracker.OnResolve(w.recordResolved)
	return w
}

// onset converts a resolved record into reference seconds. Records
// without a raw timestamp, or windows without a bound clock domain, fall
// back to the host time sampled at resolution.
func (w *window) onset(rec swap.Record) (float64, Source) {
	if rec.RawTimestamp != 0 {
		if t, err := w.translator.ToReferenceSeconds(rec.RawTimestamp); err == nil {
			return t, SourceBackend
		}
	}
	return rec.HostTime, SourceHost
}

// recordResolved runs on every resolved record and feeds the swap event
// log.
func (w *window) recordResolved(rec swap.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if rec.RefreshNsec > 0 {
		w.refreshInterval = float64(rec.RefreshNsec) / 1e9
	}

	if !w.logging {
		return
	}

	ev := SwapEvent{
		Session:          w.session,
		OnsetVBLCount:    rec.FrameCounter,
		SwapbuffersCount: rec.Seq,
		SwapType:         reliability.TypeOf(rec.Flags),
		BackendFeedback:  feedbackString(w.backend.Name(), rec),
	}
	if rec.Status == swap.Discarded {
		ev.SwapType = reliability.Discarded
	} else {
		ev.OnsetTime, _ = w.onset(rec)
	}

	if len(w.events) >= maxQueuedEvents {
		w.events = w.events[1:]
		w.eventsDropped = true
	}
	w.events = append(w.events, ev)
}

func (w *window) timing() compositor.WindowTiming {
	w.mu.Lock()
	defer w.mu.Unlock()
	return compositor.WindowTiming{RefreshInterval: w.refreshInterval, LastFrameStart: w.lastFrameStart}
}

// noticeOnce reports whether code is seen for the first time.
func (w *window) noticeOnce(code reliability.Code) bool {
	if w.notices[code] {
		return false
	}
	w.notices[code] = true
	return true
}

func feedbackString(backendName string, rec swap.Record) string {
	return fmt.Sprintf("%s: seq=%d status=%s flags=%s msc=%d ust=%d refresh=%dns",
		backendName, rec.Seq, rec.Status, rec.Flags, rec.FrameCounter, rec.RawTimestamp, rec.RefreshNsec)
}

type slot struct {
	generation uint32
	w          *window
}

// arena stores windows behind generational handles.
type arena struct {
	slots []slot
	free  []uint32
}

func (a *arena) insert(w *window) Handle {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx].w = w
		return Handle{Index: idx, Generation: a.slots[idx].generation}
	}
	a.slots = append(a.slots, slot{generation: 1, w: w})
	return Handle{Index: uint32(len(a.slots) - 1), Generation: 1}
}

func (a *arena) get(h Handle) (*window, error) {
	if int(h.Index) >= len(a.slots) {
		return nil, fmt.Errorf("%s: no such window: %w", h, status.ErrInvalidState)
	}
	s := a.slots[h.Index]
	if s.w == nil || s.generation != h.Generation {
		return nil, fmt.Errorf("%s: stale window handle: %w", h, status.ErrInvalidState)
	}
	return s.w, nil
}

func (a *arena) remove(h Handle) (*window, error) {
	w, err := a.get(h)
	if err != nil {
		return nil, err
	}
	a.slots[h.Index].w = nil
	a.slots[h.Index].generation++
	a.free = append(a.free, h.Index)
	return w, nil
}

func (a *arena) all() []Handle {
	var hs []Handle
	for i, s := range a.slots {
		if s.w != nil {
			hs = append(hs, Handle{Index: uint32(i), Generation: s.generation})
		}
	}
	return hs
}
