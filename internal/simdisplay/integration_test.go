// ABOUTME: End-to-end tests running every backend against the simulated display
// ABOUTME: Submits swaps through a presenter and checks onsets land on vblanks
package simdisplay_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Flipstamp/flipstamp-go/internal/simdisplay"
	"github.com/Flipstamp/flipstamp-go/pkg/backend"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/feedback"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/legacy"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/polled"
	"github.com/Flipstamp/flipstamp-go/pkg/compositor"
	"github.com/Flipstamp/flipstamp-go/pkg/flipstamp"
	"github.com/Flipstamp/flipstamp-go/pkg/reliability"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
)

func newPresenter() *flipstamp.Presenter {
	cfg := flipstamp.DefaultConfig()
	cfg.Verbosity = flipstamp.VerbosityErrors
	cfg.WaitTimeout = time.Second
	return flipstamp.NewPresenter(cfg)
}

func TestBackendsAgainstSimulatedDisplay(t *testing.T) {
	tests := []struct {
		name      string
		build     func(d *simdisplay.Display) backend.Backend
		tolerance float64
	}{
		{
			name: "legacy",
			build: func(d *simdisplay.Display) backend.Backend {
				return legacy.New(simdisplay.NewFlipChain(d))
			},
			tolerance: 1e-6,
		},
		{
			name: "feedback",
			build: func(d *simdisplay.Display) backend.Backend {
				return feedback.New(simdisplay.NewCompositor(d, simdisplay.CompositorConfig{}), compositor.DefaultSafetyMargin)
			},
			tolerance: 1e-6,
		},
		{
			name: "polled",
			build: func(d *simdisplay.Display) backend.Backend {
				return polled.New(simdisplay.NewCompositor(d, simdisplay.CompositorConfig{LagFrames: 1}))
			},
			// Counter calibration is bracketed, not exact.
			tolerance: 1e-3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := simdisplay.New(simdisplay.Config{RefreshRate: 250})
			p := newPresenter()
			defer p.Close()

			h, err := p.OpenWindow(flipstamp.WindowOptions{Backend: tt.build(d), VsyncRequired: true})
			if err != nil {
				t.Fatalf("OpenWindow: %v", err)
			}

			var prev float64
			for i := 0; i < 5; i++ {
				seq, err := p.Swap(h)
				if err != nil {
					t.Fatalf("Swap: %v", err)
				}

				c, err := p.WaitSwapCompletion(context.Background(), h, seq)
				if err != nil && !errors.Is(err, status.ErrDiscarded) {
					t.Fatalf("WaitSwapCompletion: %v", err)
				}
				if err != nil {
					continue
				}

				vblank := d.VBlankTime(c.FrameCounter)
				if math.Abs(c.OnsetTime-vblank) > tt.tolerance {
					t.Errorf("seq %d onset %.6f not on vblank %.6f", seq, c.OnsetTime, vblank)
				}
				if c.OnsetTime <= prev {
					t.Errorf("onset went backwards: %.6f after %.6f", c.OnsetTime, prev)
				}
				prev = c.OnsetTime

				if c.Verdict.Level == reliability.Reject {
					t.Errorf("unexpected reject: %s", c.Verdict)
				}
			}
		})
	}
}

func TestLegacyFrameTargeting(t *testing.T) {
	d := simdisplay.New(simdisplay.Config{RefreshRate: 250})
	p := newPresenter()
	defer p.Close()

	h, err := p.OpenWindow(flipstamp.WindowOptions{Backend: legacy.New(simdisplay.NewFlipChain(d)), VsyncRequired: true})
	if err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}

	target := d.MSC(d.Now()) + 5
	res, err := p.ScheduleSwap(h, flipstamp.ScheduleRequest{TargetFrameCount: target})
	if err != nil {
		t.Fatalf("ScheduleSwap: %v", err)
	}

	c, err := p.WaitSwapCompletion(context.Background(), h, res.Seq)
	if err != nil {
		t.Fatalf("WaitSwapCompletion: %v", err)
	}
	if c.FrameCounter != target || res.ScheduledFrameCount != target {
		t.Errorf("flip at frame %d (scheduled %d), want %d", c.FrameCounter, res.ScheduledFrameCount, target)
	}
}

func TestFeedbackRejectsFrameTargets(t *testing.T) {
	d := simdisplay.New(simdisplay.Config{})
	p := newPresenter()
	defer p.Close()

	b := feedback.New(simdisplay.NewCompositor(d, simdisplay.CompositorConfig{}), compositor.DefaultSafetyMargin)
	h, err := p.OpenWindow(flipstamp.WindowOptions{Backend: b})
	if err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}

	if _, err := p.ScheduleSwap(h, flipstamp.ScheduleRequest{Flags: 1}); !errors.Is(err, status.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}
