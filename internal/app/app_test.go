// ABOUTME: Tests for bench orchestration
// ABOUTME: Runs short benches on simulated and WebSocket backends with the completion log
package app

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Flipstamp/flipstamp-go/internal/feedbackws"
	"github.com/Flipstamp/flipstamp-go/internal/simdisplay"
	"github.com/Flipstamp/flipstamp-go/internal/ui"
	"github.com/Flipstamp/flipstamp-go/pkg/flipstamp"
)

func testConfig(backendName string) Config {
	return Config{
		Backend:     backendName,
		RefreshRate: 250,
		Verbosity:   flipstamp.VerbosityErrors,
		WaitTimeout: time.Second,
		Vsync:       true,
	}
}

func TestNewDefaults(t *testing.T) {
	a := New(Config{})
	if a.config.Backend != BackendSimLegacy {
		t.Errorf("expected default backend %s, got %s", BackendSimLegacy, a.config.Backend)
	}
	if a.config.Name == "" {
		t.Error("expected default name")
	}
}

func TestUnknownBackend(t *testing.T) {
	a := New(Config{Backend: "crt"})
	defer a.Close()

	err := a.Open()
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Errorf("expected unknown backend error, got %v", err)
	}
}

func TestSimulatedBenches(t *testing.T) {
	for _, name := range []string{BackendSimLegacy, BackendSimFeedback, BackendSimPolled} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(name)
			cfg.Frames = 5
			cfg.DBPath = filepath.Join(t.TempDir(), "bench.db")

			a := New(cfg)
			defer a.Close()
			if err := a.Open(); err != nil {
				t.Fatalf("Open: %v", err)
			}
			if err := a.Run(); err != nil {
				t.Fatalf("Run: %v", err)
			}

			st := a.Stats()
			if st.Presented+st.Discarded+st.Failed != 5 {
				t.Errorf("expected 5 frames accounted for, got %+v", st)
			}
			if st.Presented == 0 {
				t.Errorf("expected presented frames, got %+v", st)
			}

			sum, ok, err := a.Summary()
			if err != nil || !ok {
				t.Fatalf("Summary: ok=%v err=%v", ok, err)
			}
			if sum.Presented != st.Presented {
				t.Errorf("log has %d presented, bench counted %d", sum.Presented, st.Presented)
			}
		})
	}
}

func TestWebSocketBench(t *testing.T) {
	d := simdisplay.New(simdisplay.Config{RefreshRate: 250})
	srv := feedbackws.NewServer(feedbackws.ServerConfig{
		Name: "bench-compositor",
		NewSurface: func() feedbackws.Surface {
			return simdisplay.NewCompositor(d, simdisplay.CompositorConfig{})
		},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := testConfig(BackendWebSocket)
	cfg.CompositorAddr = strings.TrimPrefix(ts.URL, "http://")
	cfg.Frames = 3

	a := New(cfg)
	defer a.Close()
	if err := a.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := a.Stats(); st.Presented == 0 {
		t.Errorf("expected presented frames over WebSocket, got %+v", st)
	}
}

func TestStopEndsRun(t *testing.T) {
	a := New(testConfig(BackendSimLegacy))
	defer a.Close()
	if err := a.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run() }()

	time.Sleep(50 * time.Millisecond)
	a.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after Stop", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestControls(t *testing.T) {
	a := New(testConfig(BackendSimLegacy))
	defer a.Close()
	if err := a.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.controls = ui.NewControls()

	a.controls.Vsync <- false
	paused := false
	if err := a.handleControls(&paused); err != nil {
		t.Fatalf("handleControls: %v", err)
	}
	snap, _ := a.presenter.Snapshot(a.window)
	if snap.VsyncRequired {
		t.Error("expected vsync requirement dropped")
	}

	// Pause blocks until quit arrives.
	a.controls.Pause <- true
	done := make(chan error, 1)
	go func() { done <- a.handleControls(&paused) }()

	select {
	case err := <-done:
		t.Fatalf("handleControls returned while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	a.controls.Quit <- struct{}{}
	select {
	case err := <-done:
		if err != errStopped {
			t.Errorf("expected errStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handleControls did not return after quit")
	}
	if !paused {
		t.Error("expected paused state")
	}
}
