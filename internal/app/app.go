// ABOUTME: Presentation timing bench orchestration
// ABOUTME: Wires a backend, the presenter, and the log, monitor, cue, and TUI observers
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Flipstamp/flipstamp-go/internal/cue"
	"github.com/Flipstamp/flipstamp-go/internal/discovery"
	"github.com/Flipstamp/flipstamp-go/internal/ebitensurface"
	"github.com/Flipstamp/flipstamp-go/internal/feedbackws"
	"github.com/Flipstamp/flipstamp-go/internal/monitor"
	"github.com/Flipstamp/flipstamp-go/internal/simdisplay"
	"github.com/Flipstamp/flipstamp-go/internal/store"
	"github.com/Flipstamp/flipstamp-go/internal/ui"
	"github.com/Flipstamp/flipstamp-go/internal/version"
	"github.com/Flipstamp/flipstamp-go/pkg/backend"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/feedback"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/legacy"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/polled"
	"github.com/Flipstamp/flipstamp-go/pkg/flipstamp"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
)

// Backend names accepted by Config.Backend.
const (
	BackendSimLegacy   = "sim-legacy"
	BackendSimFeedback = "sim-feedback"
	BackendSimPolled   = "sim-polled"
	BackendEbiten      = "ebiten"
	BackendWebSocket   = "ws"
)

// Config holds bench configuration
type Config struct {
	Backend        string
	CompositorAddr string // ws backend; empty browses mDNS
	RefreshRate    float64
	Fullscreen     bool
	Frames         int // 0 runs until stopped
	Name           string

	Verbosity   int
	SwapDelay   float64
	WaitTimeout time.Duration
	Vsync       bool

	DBPath      string
	CueSource   string // "", "click", or an MP3 path
	CueEvery    uint64
	MonitorPort int
	EnableMDNS  bool
}

// Stats summarise a run.
type Stats struct {
	Presented int
	Discarded int
	Failed    int
}

// App is one bench run against one window.
type App struct {
	config Config

	presenter *flipstamp.Presenter
	window    flipstamp.Handle
	backend   backend.Backend

	store   *store.Store
	hub     *monitor.Hub
	cue     *cue.Player
	surface *ebitensurface.Surface

	tuiProg  *tea.Program
	controls *ui.Controls

	mu    sync.Mutex
	stats Stats

	ctx     context.Context
	cancel  context.CancelFunc
	closers []func()
}

// New creates a bench
func New(config Config) *App {
	if config.Backend == "" {
		config.Backend = BackendSimLegacy
	}
	if config.Name == "" {
		config.Name = "flipstamp"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &App{config: config, ctx: ctx, cancel: cancel}
}

// Open builds the backend and the window and attaches observers. Call
// Close even when Open fails.
func (a *App) Open() error {
	b, err := a.buildBackend()
	if err != nil {
		return err
	}
	a.backend = b

	cfg := flipstamp.DefaultConfig()
	cfg.Verbosity = a.config.Verbosity
	cfg.SwapDelay = a.config.SwapDelay
	cfg.WaitTimeout = a.config.WaitTimeout
	a.presenter = flipstamp.NewPresenter(cfg)
	a.closers = append(a.closers, func() { a.presenter.Close() })

	a.window, err = a.presenter.OpenWindow(flipstamp.WindowOptions{
		Backend:          b,
		VsyncRequired:    a.config.Vsync,
		FullscreenOpaque: a.config.Fullscreen,
	})
	if err != nil {
		b.Close()
		return fmt.Errorf("open window: %w", err)
	}

	snap, _ := a.presenter.Snapshot(a.window)
	log.Printf("%s: window %s on %s backend, session %s", version.String(), a.window, b.Name(), snap.Session)

	if err := a.attachObservers(snap); err != nil {
		return err
	}
	return nil
}

func (a *App) attachObservers(snap flipstamp.WindowSnapshot) error {
	if a.config.DBPath != "" {
		st, err := store.New(a.config.DBPath)
		if err != nil {
			return fmt.Errorf("open completion log: %w", err)
		}
		if err := st.OpenSession(snap.Session, snap.Backend, snap.RefreshInterval); err != nil {
			st.Close()
			return fmt.Errorf("register session: %w", err)
		}
		a.store = st
		a.presenter.OnCompletion(st.Observer(log.Printf))
		a.closers = append(a.closers, func() { st.Close() })
	}

	if a.config.MonitorPort > 0 {
		hub := monitor.NewHub(monitor.Config{
			Port:       a.config.MonitorPort,
			Name:       a.config.Name,
			EnableMDNS: a.config.EnableMDNS,
		})
		if err := hub.Start(); err != nil {
			return err
		}
		a.hub = hub
		a.presenter.OnCompletion(hub.Observer())
		a.closers = append(a.closers, hub.Stop)
	}

	if a.config.CueSource != "" {
		sample, err := loadCue(a.config.CueSource)
		if err != nil {
			return err
		}
		player, err := cue.NewPlayer(sample)
		if err != nil {
			log.Printf("Audio cues disabled: %v", err)
		} else {
			a.cue = player
			a.presenter.OnCompletion(player.Observer(a.config.CueEvery))
			a.closers = append(a.closers, func() { player.Close() })
		}
	}

	return nil
}

func loadCue(src string) (cue.Sample, error) {
	if src == "click" {
		return cue.Click(cue.DefaultSampleRate, 2000, 5*time.Millisecond, 0.8), nil
	}
	f, err := os.Open(src)
	if err != nil {
		return cue.Sample{}, fmt.Errorf("open cue: %w", err)
	}
	defer f.Close()
	return cue.LoadMP3(f)
}

func (a *App) buildBackend() (backend.Backend, error) {
	switch a.config.Backend {
	case BackendSimLegacy:
		d := simdisplay.New(simdisplay.Config{RefreshRate: a.config.RefreshRate})
		return legacy.New(simdisplay.NewFlipChain(d)), nil

	case BackendSimFeedback:
		d := simdisplay.New(simdisplay.Config{RefreshRate: a.config.RefreshRate})
		comp := simdisplay.NewCompositor(d, simdisplay.CompositorConfig{LatchMargin: 0.001})
		go comp.Run(a.ctx)
		return feedback.New(comp, 0), nil

	case BackendSimPolled:
		d := simdisplay.New(simdisplay.Config{RefreshRate: a.config.RefreshRate})
		return polled.New(simdisplay.NewCompositor(d, simdisplay.CompositorConfig{LagFrames: 1})), nil

	case BackendEbiten:
		a.surface = ebitensurface.New(ebitensurface.Config{
			Title:       version.String(),
			Fullscreen:  a.config.Fullscreen,
			RefreshRate: a.config.RefreshRate,
		})
		return legacy.New(a.surface), nil

	case BackendWebSocket:
		addr := a.config.CompositorAddr
		if addr == "" {
			var err error
			if addr, err = discoverCompositor(a.config.Name); err != nil {
				return nil, err
			}
		}
		client := feedbackws.NewClient(feedbackws.Config{ServerAddr: addr, Name: a.config.Name})
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("connect compositor: %w", err)
		}
		return feedback.New(client, 0), nil
	}

	return nil, fmt.Errorf("unknown backend %q (want %s)", a.config.Backend,
		strings.Join([]string{BackendSimLegacy, BackendSimFeedback, BackendSimPolled, BackendEbiten, BackendWebSocket}, ", "))
}

func discoverCompositor(name string) (string, error) {
	log.Printf("Browsing for a compositor...")
	disc := discovery.NewManager(discovery.Config{ServiceName: name, Role: discovery.RoleCompositor})
	defer disc.Stop()

	if err := disc.Browse(); err != nil {
		return "", fmt.Errorf("browse compositors: %w", err)
	}
	svc, err := disc.First(10 * time.Second)
	if err != nil {
		return "", err
	}
	log.Printf("Discovered compositor %s at %s", svc.Name, svc.Addr())
	return svc.Addr(), nil
}

// Surface is the ebiten window to run on the main goroutine, nil for
// other backends.
func (a *App) Surface() *ebitensurface.Surface {
	return a.surface
}

// AttachTUI forwards completions and status to a running TUI and takes
// its controls.
func (a *App) AttachTUI(prog *tea.Program, controls *ui.Controls) {
	a.tuiProg = prog
	a.controls = controls

	a.presenter.OnCompletion(func(c flipstamp.Completion) {
		prog.Send(ui.CompletionMsg(c))
	})
	go a.statusLoop()
}

// statusLoop periodically sends window state to the TUI
func (a *App) statusLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			snap, err := a.presenter.Snapshot(a.window)
			if err != nil {
				return
			}
			vsync := snap.VsyncRequired
			a.tuiProg.Send(ui.StatusMsg{
				Backend:         snap.Backend,
				Session:         snap.Session,
				RefreshInterval: snap.RefreshInterval,
				Vsync:           &vsync,
				Stats:           &snap.Stats,
			})
		}
	}
}

// Run presents frames back to back until the frame budget is spent or
// Stop is called.
func (a *App) Run() error {
	if a.surface != nil {
		select {
		case <-a.surface.Ready():
		case <-a.surface.Done():
			return nil
		case <-a.ctx.Done():
			return nil
		}
	}

	paused := false
	for i := 0; a.config.Frames == 0 || i < a.config.Frames; {
		if err := a.handleControls(&paused); err != nil {
			return nil
		}

		if err := a.presentOne(); err != nil {
			if a.ctx.Err() != nil {
				return nil
			}
			return err
		}
		i++
	}
	return nil
}

var errStopped = errors.New("stopped")

// handleControls applies pending TUI controls. While paused it blocks
// until the bench is resumed or stopped.
func (a *App) handleControls(paused *bool) error {
	var vsyncCh, pauseCh <-chan bool
	var quitCh <-chan struct{}
	if a.controls != nil {
		vsyncCh, pauseCh, quitCh = a.controls.Vsync, a.controls.Pause, a.controls.Quit
	}

	for {
		if !*paused {
			select {
			case <-a.ctx.Done():
				return errStopped
			case <-quitCh:
				a.Stop()
				return errStopped
			case on := <-vsyncCh:
				a.setVsync(on)
			case p := <-pauseCh:
				*paused = p
			default:
				return nil
			}
			continue
		}

		select {
		case <-a.ctx.Done():
			return errStopped
		case <-quitCh:
			a.Stop()
			return errStopped
		case on := <-vsyncCh:
			a.setVsync(on)
		case p := <-pauseCh:
			*paused = p
		}
	}
}

func (a *App) setVsync(on bool) {
	a.presenter.SetVsync(a.window, on)
	if a.surface != nil {
		a.surface.SetVsync(on)
	}
	log.Printf("Vsync %v", on)
}

func (a *App) presentOne() error {
	seq, err := a.presenter.Swap(a.window)
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}

	c, err := a.presenter.WaitSwapCompletion(a.ctx, a.window, seq)

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case err == nil:
		a.stats.Presented++
		if a.config.Verbosity >= flipstamp.VerbosityInfo {
			log.Printf("seq %d presented at %.6f (frame %d, %s)", c.Seq, c.OnsetTime, c.FrameCounter, c.Verdict)
		}
	case errors.Is(err, status.ErrDiscarded):
		a.stats.Discarded++
	case errors.Is(err, status.ErrUnsupported), errors.Is(err, status.ErrQueryFailed):
		// Timeouts and transient query failures skip the frame.
		a.stats.Failed++
	default:
		return err
	}
	return nil
}

// Stats returns counts so far.
func (a *App) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Summary returns the stored session summary, if a log is attached.
func (a *App) Summary() (store.Summary, bool, error) {
	if a.store == nil {
		return store.Summary{}, false, nil
	}
	snap, err := a.presenter.Snapshot(a.window)
	if err != nil {
		return store.Summary{}, true, err
	}
	sum, err := a.store.Summarize(snap.Session)
	return sum, true, err
}

// Stop ends Run and closes the ebiten window.
func (a *App) Stop() {
	a.cancel()
	if a.surface != nil {
		a.surface.Close()
	}
}

// Close releases everything Open created, newest first.
func (a *App) Close() {
	a.Stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
