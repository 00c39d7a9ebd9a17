// ABOUTME: Entry point for the flipstamp presentation timing bench
// ABOUTME: Parses CLI flags, opens a window on the chosen backend, and presents frames
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/Flipstamp/flipstamp-go/internal/app"
	"github.com/Flipstamp/flipstamp-go/internal/ui"
	"github.com/Flipstamp/flipstamp-go/pkg/flipstamp"
)

var (
	backendName = flag.String("backend", app.BackendSimLegacy, "Backend: sim-legacy, sim-feedback, sim-polled, ebiten, ws")
	compositor  = flag.String("compositor", "", "Compositor address for the ws backend (skip mDNS)")
	refresh     = flag.Float64("refresh", 60, "Refresh rate in Hz for simulated and ebiten backends")
	fullscreen  = flag.Bool("fullscreen", false, "Fullscreen, opaque window")
	frames      = flag.Int("frames", 0, "Frames to present, 0 = until quit")
	name        = flag.String("name", "", "Bench name (default: hostname-flipstamp)")
	verbosity   = flag.Int("verbosity", flipstamp.VerbosityDefault, "Verbosity: -1 silent, 1 errors, 2 warnings, 3 default, 5 info, 10 debug")
	swapDelay   = flag.Float64("swap-delay", 0, "Compositor safety margin in seconds (default from FLIPSTAMP_SWAPDELAY or 0.0002)")
	waitTimeout = flag.Duration("wait-timeout", flipstamp.DefaultWaitTimeout, "Swap completion wait timeout, negative = forever")
	noVsync     = flag.Bool("no-vsync", false, "Do not require tear-free swaps")
	dbPath      = flag.String("db", "", "SQLite completion log path")
	cueSource   = flag.String("cue", "", "Audio cue: click or an MP3 file")
	cueEvery    = flag.Uint64("cue-every", 60, "Play the cue every N swaps")
	monitorPort = flag.Int("monitor-port", 0, "Serve the live completion feed on this port, 0 = off")
	noMDNS      = flag.Bool("no-mdns", false, "Do not advertise the monitor feed")
	logFile     = flag.String("log-file", "flipstamp.log", "Log file path")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
)

func main() {
	flag.Parse()

	// The TUI needs a terminal; piped output falls back to streaming logs.
	useTUI := !*noTUI && term.IsTerminal(int(os.Stdout.Fd()))

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	benchName := *name
	if benchName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		benchName = fmt.Sprintf("%s-flipstamp", hostname)
	}

	bench := app.New(app.Config{
		Backend:        *backendName,
		CompositorAddr: *compositor,
		RefreshRate:    *refresh,
		Fullscreen:     *fullscreen,
		Frames:         *frames,
		Name:           benchName,
		Verbosity:      *verbosity,
		SwapDelay:      *swapDelay,
		WaitTimeout:    *waitTimeout,
		Vsync:          !*noVsync,
		DBPath:         *dbPath,
		CueSource:      *cueSource,
		CueEvery:       *cueEvery,
		MonitorPort:    *monitorPort,
		EnableMDNS:     !*noMDNS,
	})
	defer bench.Close()

	if err := bench.Open(); err != nil {
		log.Fatalf("Failed to open bench: %v", err)
	}

	var tuiProg *tea.Program
	if useTUI {
		controls := ui.NewControls()
		tuiProg, err = ui.Run(controls)
		if err != nil {
			log.Fatalf("Failed to start TUI: %v", err)
		}
		bench.AttachTUI(tuiProg, controls)
		go func() {
			if _, err := tuiProg.Run(); err != nil {
				log.Printf("TUI error: %v", err)
			}
			bench.Stop()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received")
		bench.Stop()
	}()

	start := time.Now()
	runErr := make(chan error, 1)
	go func() {
		runErr <- bench.Run()
		bench.Stop()
	}()

	// Ebiten owns the main goroutine until its window closes.
	if surface := bench.Surface(); surface != nil {
		if err := surface.Run(); err != nil {
			log.Printf("Window error: %v", err)
		}
		bench.Stop()
	}

	if err := <-runErr; err != nil {
		log.Printf("Bench error: %v", err)
	}
	if tuiProg != nil {
		tuiProg.Quit()
	}

	st := bench.Stats()
	log.Printf("Presented %d, discarded %d, failed %d in %s",
		st.Presented, st.Discarded, st.Failed, time.Since(start).Round(time.Millisecond))

	if sum, ok, err := bench.Summary(); ok {
		if err != nil {
			log.Printf("Summary error: %v", err)
		} else {
			log.Printf("Mean interval %.3fms, max jitter %.3fms over %d presented",
				sum.MeanInterval*1000, sum.MaxJitter*1000, sum.Presented)
		}
	}
}
