// ABOUTME: Push feedback backend for compositors that report every presentation
// ABOUTME: Requests feedback per swap and drains delivered events during dispatch
package feedback

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

// MessageKind distinguishes presented from discarded feedback.
type MessageKind int

const (
	Presented MessageKind = iota
	Discarded
)

// Message is one compositor presentation event.
type Message struct {
	Seq         uint64            `json:"seq"`
	Kind        MessageKind       `json:"kind"`
	Sec         uint64            `json:"sec,omitempty"`
	Nsec        uint32            `json:"nsec,omitempty"`
	RefreshNsec uint32            `json:"refresh_nsec,omitempty"`
	MSC         uint64            `json:"msc,omitempty"`
	Flags       swap.QualityFlags `json:"flags,omitempty"`
}

// Raw returns the presentation time in nanoseconds of the compositor clock.
func (m Message) Raw() uint64 {
	return m.Sec*1e9 + uint64(m.Nsec)
}

// Connection is a compositor session that delivers presentation feedback.
type Connection interface {
	// RequestFeedback asks for an event about the next committed frame.
	RequestFeedback(seq uint64) error
	// Commit hands the frame to the compositor.
	Commit() error
	// Events delivers feedback. It is closed when the session ends.
	Events() <-chan Message
	// ClockID is the clock presentation times are reported in.
	ClockID() clock.ID
	Close() error
}

// Backend adapts a Connection to backend.Backend.
type Backend struct {
	conn   Connection
	margin float64

	mu      sync.Mutex
	refresh float64
	lost    bool
}

// New creates a push feedback backend. margin is the compositor safety
// margin used for delay compensation.
func New(conn Connection, margin float64) *Backend {
	return &Backend{conn: conn, margin: margin}
}

func (b *Backend) Name() string { return "feedback" }

func (b *Backend) Kind() backend.Kind { return backend.PushFeedback }

// Capabilities: the compositor decides when a frame is shown, so swaps
// cannot target a frame count.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{ExplicitScheduling: false, CompletionTimestamps: true}
}

// ClockProbe samples the clock the compositor reports in. Compositor
// clocks are system clocks read in nanoseconds.
func (b *Backend) ClockProbe() clock.Probe {
	return clock.NewSystemProbe(b.conn.ClockID())
}

// RefreshInterval is the latest refresh period the compositor reported.
func (b *Backend) RefreshInterval() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refresh
}

// Compositor latches buffers at a fixed point in every refresh cycle.
func (b *Backend) Compositor() compositor.Profile {
	return compositor.Profile{
		Mode:         compositor.CompositionDeadline,
		Active:       compositor.Active,
		SafetyMargin: b.margin,
	}
}

// SubmitSwap requests feedback for the frame and commits it.
func (b *Backend) SubmitSwap(req swap.Request) (uint64, error) {
	if req.Explicit() {
		return 0, fmt.Errorf("frame targeted swaps on %s: %w", b.Name(), status.ErrUnsupported)
	}

	b.mu.Lock()
	lost := b.lost
	b.mu.Unlock()
	if lost {
		return 0, fmt.Errorf("compositor connection lost: %w", status.ErrQueryFailed)
	}

	if err := b.conn.RequestFeedback(req.Seq); err != nil {
		return 0, fmt.Errorf("request feedback seq %d: %w", req.Seq, err)
	}
	if err := b.conn.Commit(); err != nil {
		return 0, fmt.Errorf("commit seq %d: %w", req.Seq, err)
	}
	return 0, nil
}

// Dispatch drains whatever feedback has arrived without blocking. Once a
// message is taken off the connection it is always returned, so a
// cancelled context is only honored before draining starts.
func (b *Backend) Dispatch(ctx context.Context) ([]swap.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var events []swap.Event
	ch := b.conn.Events()

	for {
		select {
		case m, ok := <-ch:
			if !ok {
				b.mu.Lock()
				b.lost = true
				b.mu.Unlock()
				if len(events) > 0 {
					return events, nil
				}
				return nil, fmt.Errorf("compositor feedback channel closed: %w", status.ErrQueryFailed)
			}
			events = append(events, b.toEvent(m))
		default:
			return events, nil
		}
	}
}

func (b *Backend) toEvent(m Message) swap.Event {
	if m.Kind == Discarded {
		return swap.Event{Seq: m.Seq, Outcome: swap.Discard{}}
	}

	if m.RefreshNsec > 0 {
		b.mu.Lock()
		b.refresh = float64(m.RefreshNsec) / 1e9
		b.mu.Unlock()
	}

	return swap.Event{
		Seq: m.Seq,
		Outcome: swap.Presented{
			Raw:          m.Raw(),
			FrameCounter: m.MSC,
			Flags:        m.Flags,
			RefreshNsec:  m.RefreshNsec,
		},
	}
}

// Close ends the compositor session.
func (b *Backend) Close() error {
	return b.conn.Close()
}
