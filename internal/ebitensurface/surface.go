// ABOUTME: Ebiten window acting as a legacy swap source
// ABOUTME: Counts draws as refreshes and presents queued swaps with a photodiode flash
package ebitensurface

import (
	"fmt"
	"image/color"
	"math"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/Flipstamp/flipstamp-go/pkg/backend"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/legacy"
	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// Config describes the window.
type Config struct {
	Width       int
	Height      int
	Title       string
	Fullscreen  bool
	RefreshRate float64 // Hz the draw loop is assumed to run at, default 60
	Host        clock.Host
}

type queued struct {
	sbc    uint64
	target uint64
}

// Surface draws one frame per refresh. A swap submitted before a draw is
// shown by that draw, or by the first draw at its target refresh count.
//
// Draw timestamps are taken on the host clock when Draw runs, so they are
// not hardware clocked.
type Surface struct {
	cfg  Config
	host clock.Host

	mu        sync.Mutex
	msc       uint64
	submitted uint64
	sbc       uint64
	ust       float64
	flipMSC   uint64
	queue     []queued
	vsync     bool
	closed    bool
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// New creates a surface; Run opens the window.
func New(cfg Config) *Surface {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 60
	}
	if cfg.Title == "" {
		cfg.Title = "flipstamp"
	}
	if cfg.Host == nil {
		cfg.Host = clock.System
	}
	return &Surface{
		cfg:   cfg,
		host:  cfg.Host,
		vsync: true,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run opens the window and blocks until it is closed. Ebiten requires
// this to run on the main goroutine.
func (s *Surface) Run() error {
	defer close(s.done)

	ebiten.SetWindowSize(s.cfg.Width, s.cfg.Height)
	ebiten.SetWindowTitle(s.cfg.Title)
	ebiten.SetRunnableOnUnfocused(true)
	ebiten.SetVsyncEnabled(true)
	ebiten.SetTPS(ebiten.SyncWithFPS)
	if s.cfg.Fullscreen {
		ebiten.SetFullscreen(true)
	}

	if err := ebiten.RunGame(s); err != nil {
		return fmt.Errorf("ebiten: %w", err)
	}
	return nil
}

// Ready is closed after the first draw.
func (s *Surface) Ready() <-chan struct{} { return s.ready }

// Done is closed when the window has closed.
func (s *Surface) Done() <-chan struct{} { return s.done }

// SetVsync toggles vsync on the window.
func (s *Surface) SetVsync(on bool) {
	s.mu.Lock()
	s.vsync = on
	s.mu.Unlock()
	ebiten.SetVsyncEnabled(on)
}

// Update implements ebiten.Game
func (s *Surface) Update() error {
	if ebiten.IsWindowBeingClosed() {
		s.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ebiten.Termination
	}
	return nil
}

// Draw implements ebiten.Game. Every call is one refresh.
func (s *Surface) Draw(screen *ebiten.Image) {
	shown := s.refresh(s.host.Now())

	// Alternate black and white on every presented swap for a photodiode.
	if shown%2 == 1 {
		screen.Fill(color.White)
	} else {
		screen.Fill(color.Black)
	}

	s.readyOnce.Do(func() { close(s.ready) })
}

// Layout implements ebiten.Game
func (s *Surface) Layout(_, _ int) (int, int) {
	return s.cfg.Width, s.cfg.Height
}

// refresh advances the refresh counter and presents due swaps. It returns
// the swap count now on screen.
func (s *Surface) refresh(now float64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msc++
	n := 0
	for n < len(s.queue) && s.queue[n].target <= s.msc {
		n++
	}
	if n > 0 {
		s.sbc = s.queue[n-1].sbc
		s.ust = now
		s.flipMSC = s.msc
		s.queue = s.queue[n:]
	}
	return s.sbc
}

func (s *Surface) enqueue(target uint64) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, 0, fmt.Errorf("surface closed: %w", status.ErrInvalidState)
	}
	// Draw order is fixed, so a later swap never flips before an earlier one.
	if n := len(s.queue); n > 0 && target < s.queue[n-1].target {
		target = s.queue[n-1].target
	}
	s.submitted++
	s.queue = append(s.queue, queued{sbc: s.submitted, target: target})
	return s.submitted, target, nil
}

// SwapBuffers queues a swap for the next draw.
func (s *Surface) SwapBuffers() (uint64, error) {
	s.mu.Lock()
	next := s.msc + 1
	s.mu.Unlock()

	sbc, _, err := s.enqueue(next)
	return sbc, err
}

// SwapBuffersMSC queues a swap for the first qualifying refresh.
func (s *Surface) SwapBuffersMSC(target, divisor, remainder uint64) (uint64, uint64, error) {
	s.mu.Lock()
	cur := s.msc
	s.mu.Unlock()

	return s.enqueue(backend.NextFrame(cur, target, divisor, remainder))
}

// SyncValues reports the newest presented swap.
func (s *Surface) SyncValues() (legacy.SyncValues, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return legacy.SyncValues{}, fmt.Errorf("surface closed: %w", status.ErrQueryFailed)
	}

	var flags swap.QualityFlags
	if s.vsync {
		flags |= swap.VsyncGuaranteed
	}
	return legacy.SyncValues{
		UST:   nanos(s.ust),
		MSC:   s.flipMSC,
		SBC:   s.sbc,
		Flags: flags,
	}, nil
}

// ClockProbe reads the host clock the draw timestamps are taken on.
func (s *Surface) ClockProbe() clock.Probe { return hostProbe{s.host} }

// RefreshInterval is the configured refresh period.
func (s *Surface) RefreshInterval() float64 { return 1 / s.cfg.RefreshRate }

// Close ends the draw loop at its next update.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func nanos(t float64) uint64 {
	if t <= 0 {
		return 0
	}
	return uint64(math.Round(t * 1e9))
}

type hostProbe struct{ host clock.Host }

func (p hostProbe) ID() clock.ID { return clock.Monotonic }

func (p hostProbe) FrequencyHz() (float64, error) { return 1e9, nil }

func (p hostProbe) Sample() (uint64, error) { return nanos(p.host.Now()), nil }

func (p hostProbe) KnownOffset() (float64, bool) { return 0, true }
