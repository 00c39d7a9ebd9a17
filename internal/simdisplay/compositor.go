// ABOUTME: Simulated compositor that latches client frames once per refresh
// ABOUTME: Serves both presentation feedback events and polled timing snapshots
package simdisplay

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/Flipstamp/flipstamp-go/pkg/backend/feedback"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/polled"
	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// CounterFrequency is the simulated performance counter rate.
const CounterFrequency = 10e6

// CompositorConfig describes compositor behavior
type CompositorConfig struct {
	// LatchMargin is how long before a vblank a commit must arrive to be
	// latched for it, in seconds.
	LatchMargin float64
	// LagFrames is how many refreshes pass between latch and display.
	LagFrames uint64
	// Unredirected reports composition as disabled and frames as zero-copy.
	Unredirected bool
	// EventBuffer sizes the feedback channel, default 256.
	EventBuffer int
}

type committedFrame struct {
	id          uint64
	seq         uint64
	hasFeedback bool
	at          float64
}

type latchedFrame struct {
	committedFrame
	displayMSC uint64
}

// Compositor latches the newest committed frame at every vblank. Older
// frames committed in the same refresh are discarded.
type Compositor struct {
	d   *Display
	cfg CompositorConfig

	mu          sync.Mutex
	frames      uint64
	feedbackSeq uint64
	wantsFb     bool
	committed   []committedFrame
	inflight    []latchedFrame
	processed   uint64
	lastID      uint64
	lastUST     float64
	lastMSC     uint64
	events      chan feedback.Message
	dropped     int64
	closed      bool
}

// NewCompositor creates a compositor on d
func NewCompositor(d *Display, cfg CompositorConfig) *Compositor {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Compositor{
		d:         d,
		cfg:       cfg,
		processed: d.MSC(d.Now()),
		events:    make(chan feedback.Message, cfg.EventBuffer),
	}
}

// Run advances the compositor every millisecond until ctx is done, so
// feedback arrives without anyone polling.
func (c *Compositor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick processes every vblank up to now.
func (c *Compositor) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(c.d.Now())
}

func (c *Compositor) advance(now float64) {
	if c.closed {
		return
	}

	cur := c.d.MSC(now)
	for v := c.processed + 1; v <= cur; v++ {
		if len(c.committed) == 0 {
			break
		}

		deadline := c.d.VBlankTime(v) - c.cfg.LatchMargin
		n := 0
		for n < len(c.committed) && c.committed[n].at <= deadline {
			n++
		}
		if n == 0 {
			continue
		}

		for _, f := range c.committed[:n-1] {
			if f.hasFeedback {
				c.send(feedback.Message{Seq: f.seq, Kind: feedback.Discarded})
			}
		}
		c.inflight = append(c.inflight, latchedFrame{committedFrame: c.committed[n-1], displayMSC: v + c.cfg.LagFrames})
		c.committed = c.committed[n:]
	}
	c.processed = cur

	n := 0
	for n < len(c.inflight) && c.d.VBlankTime(c.inflight[n].displayMSC) <= now {
		f := c.inflight[n]
		c.lastID = f.id
		c.lastUST = c.d.VBlankTime(f.displayMSC)
		c.lastMSC = f.displayMSC

		if f.hasFeedback {
			ns := toNanos(c.lastUST)
			c.send(feedback.Message{
				Seq:         f.seq,
				Kind:        feedback.Presented,
				Sec:         ns / 1e9,
				Nsec:        uint32(ns % 1e9),
				RefreshNsec: uint32(math.Round(c.d.Period() * 1e9)),
				MSC:         f.displayMSC,
				Flags:       c.flags(),
			})
		}
		n++
	}
	c.inflight = c.inflight[n:]
}

func (c *Compositor) flags() swap.QualityFlags {
	f := c.d.flags
	if c.cfg.Unredirected {
		f |= swap.ZeroCopy
	}
	return f
}

func (c *Compositor) send(m feedback.Message) {
	select {
	case c.events <- m:
	default:
		c.dropped++
		log.Printf("Compositor feedback queue full, dropped event for seq %d (%d dropped)", m.Seq, c.dropped)
	}
}

func (c *Compositor) commit() error {
	if c.closed {
		return fmt.Errorf("compositor closed: %w", status.ErrInvalidState)
	}
	c.frames++
	c.committed = append(c.committed, committedFrame{
		id:          c.frames,
		seq:         c.feedbackSeq,
		hasFeedback: c.wantsFb,
		at:          c.d.Now(),
	})
	c.wantsFb = false
	return nil
}

// RequestFeedback attaches a feedback request to the next commit.
func (c *Compositor) RequestFeedback(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedbackSeq = seq
	c.wantsFb = true
	return nil
}

// Commit hands the current frame to the compositor.
func (c *Compositor) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commit()
}

// Events advances the compositor and returns the feedback channel.
func (c *Compositor) Events() <-chan feedback.Message {
	c.Tick()
	return c.events
}

func (c *Compositor) ClockID() clock.ID { return clock.Monotonic }

// RefreshInterval is the display refresh period in seconds.
func (c *Compositor) RefreshInterval() float64 { return c.d.Period() }

// Close stops the compositor and closes the feedback channel.
func (c *Compositor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// SwapBuffers commits a frame without feedback.
func (c *Compositor) SwapBuffers() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wantsFb = false
	return c.commit()
}

// CompositionEnabled reports whether frames are composited.
func (c *Compositor) CompositionEnabled() (bool, error) {
	return !c.cfg.Unredirected, nil
}

// TimingInfo returns the current timing snapshot in counter ticks.
func (c *Compositor) TimingInfo() (polled.TimingInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.d.Now()
	c.advance(now)
	cur := c.d.MSC(now)

	return polled.TimingInfo{
		QPCRefreshPeriod:       ticks(c.d.Period()),
		QPCVBlank:              ticks(c.d.VBlankTime(cur)),
		CRefresh:               cur,
		QPCFrameComplete:       ticks(c.lastUST),
		CFrameComplete:         c.lastID,
		CRefreshFrameDisplayed: c.lastMSC,
		RateCompose:            1 / c.d.Period(),
	}, nil
}

func (c *Compositor) Frequency() float64 { return CounterFrequency }

// Counter reads the simulated performance counter.
func (c *Compositor) Counter() (uint64, error) {
	return ticks(c.d.Now()), nil
}

func ticks(t float64) uint64 {
	if t <= 0 {
		return 0
	}
	return uint64(math.Round(t * CounterFrequency))
}
