// ABOUTME: Tests for the legacy poll backend
// ABOUTME: Drives a fake counter source through submission and completion
package legacy

import (
	"context"
	"errors"
	"testing"

	"github.com/Flipstamp/flipstamp-go/pkg/backend"
	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/reliability"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

type fakeSource struct {
	sbc      uint64
	sv       SyncValues
	svErr    error
	lastMSC  [3]uint64
	swapErr  error
	interval float64
}

func (f *fakeSource) SwapBuffers() (uint64, error) {
	if f.swapErr != nil {
		return 0, f.swapErr
	}
	f.sbc++
	return f.sbc, nil
}

func (f *fakeSource) SwapBuffersMSC(target, divisor, remainder uint64) (uint64, uint64, error) {
	f.lastMSC = [3]uint64{target, divisor, remainder}
	sbc, err := f.SwapBuffers()
	return sbc, backend.NextFrame(f.sv.MSC, target, divisor, remainder), err
}

func (f *fakeSource) SyncValues() (SyncValues, error) { return f.sv, f.svErr }

func (f *fakeSource) ClockProbe() clock.Probe { return clock.NewSystemProbe(clock.Monotonic) }

func (f *fakeSource) RefreshInterval() float64 { return f.interval }

func TestLegacyResolvesCompletedSwaps(t *testing.T) {
	src := &fakeSource{interval: 1.0 / 60}
	b := New(src)

	for seq := uint64(1); seq <= 3; seq++ {
		if _, err := b.SubmitSwap(swap.Request{Seq: seq}); err != nil {
			t.Fatalf("SubmitSwap: %v", err)
		}
	}

	flags := swap.VsyncGuaranteed | swap.HardwareClocked | swap.HardwareCompletionSignalled
	src.sv = SyncValues{UST: 5000, MSC: 42, SBC: 2, Flags: flags}

	events, err := b.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	older := events[0].Outcome.(swap.Presented)
	newest := events[1].Outcome.(swap.Presented)
	if events[1].Seq != 2 || newest.FrameCounter != 42 || newest.Raw != 5000 || newest.Flags != flags {
		t.Errorf("unexpected newest event %+v", events[1])
	}
	if older.Flags.Has(swap.HardwareClocked) || older.Flags.Has(swap.HardwareCompletionSignalled) {
		t.Errorf("superseded swap without history kept hardware flags %s", older.Flags)
	}
	verdict := reliability.Classify(swap.Record{Seq: 1, Status: swap.Completed, Flags: older.Flags},
		reliability.Context{VsyncRequired: true})
	if verdict.Level != reliability.Warn {
		t.Errorf("superseded swap graded %s, want warn", verdict)
	}
	if newest.RefreshNsec != 16666666 {
		t.Errorf("refresh = %d ns", newest.RefreshNsec)
	}

	// Nothing new completed.
	events, err = b.Dispatch(context.Background())
	if err != nil || len(events) != 0 {
		t.Errorf("expected no events, got %v (%v)", events, err)
	}

	src.sv.SBC = 3
	events, _ = b.Dispatch(context.Background())
	if len(events) != 1 || events[0].Seq != 3 {
		t.Errorf("expected seq 3 to resolve, got %+v", events)
	}
}

// historySource also remembers the counters of each completed swap.
type historySource struct {
	fakeSource
	history map[uint64]SyncValues
}

func (h *historySource) SyncValuesAt(sbc uint64) (SyncValues, bool) {
	sv, ok := h.history[sbc]
	return sv, ok
}

func TestLegacyUsesPerSwapCounters(t *testing.T) {
	flags := swap.VsyncGuaranteed | swap.HardwareClocked | swap.HardwareCompletionSignalled
	src := &historySource{
		fakeSource: fakeSource{interval: 1.0 / 60},
		history: map[uint64]SyncValues{
			1: {UST: 4000, MSC: 41, SBC: 1, Flags: flags},
		},
	}
	b := New(src)

	for seq := uint64(1); seq <= 2; seq++ {
		if _, err := b.SubmitSwap(swap.Request{Seq: seq}); err != nil {
			t.Fatalf("SubmitSwap: %v", err)
		}
	}
	src.sv = SyncValues{UST: 5000, MSC: 42, SBC: 2, Flags: flags}

	events, err := b.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	tests := []struct {
		name string
		ev   swap.Event
		raw  uint64
		msc  uint64
	}{
		{"older swap", events[0], 4000, 41},
		{"newest swap", events[1], 5000, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.ev.Outcome.(swap.Presented)
			if p.Raw != tt.raw || p.FrameCounter != tt.msc || p.Flags != flags {
				t.Errorf("got raw=%d msc=%d flags=%s, want raw=%d msc=%d flags=%s",
					p.Raw, p.FrameCounter, p.Flags, tt.raw, tt.msc, flags)
			}
		})
	}
}

func TestLegacyExplicitSchedule(t *testing.T) {
	src := &fakeSource{sv: SyncValues{MSC: 10}}
	b := New(src)

	scheduled, err := b.SubmitSwap(swap.Request{Seq: 1, Flags: swap.ConstrainEven})
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}
	if scheduled != 12 {
		t.Errorf("expected even frame 12, got %d", scheduled)
	}
	if src.lastMSC != [3]uint64{0, 2, 0} {
		t.Errorf("unexpected msc arguments %v", src.lastMSC)
	}

	scheduled, err = b.SubmitSwap(swap.Request{Seq: 2, TargetFrameCount: 20})
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}
	if scheduled != 20 {
		t.Errorf("expected frame 20, got %d", scheduled)
	}
}

func TestLegacyErrors(t *testing.T) {
	t.Run("invalid constraint", func(t *testing.T) {
		b := New(&fakeSource{})
		_, err := b.SubmitSwap(swap.Request{Seq: 1, Divisor: 2, Remainder: 5})
		if !errors.Is(err, status.ErrInvalidConstraint) {
			t.Errorf("expected ErrInvalidConstraint, got %v", err)
		}
	})

	t.Run("swap failure", func(t *testing.T) {
		boom := errors.New("context lost")
		b := New(&fakeSource{swapErr: boom})
		if _, err := b.SubmitSwap(swap.Request{Seq: 1}); !errors.Is(err, boom) {
			t.Errorf("expected swap error, got %v", err)
		}
	})

	t.Run("query failure", func(t *testing.T) {
		src := &fakeSource{}
		b := New(src)
		b.SubmitSwap(swap.Request{Seq: 1})
		src.svErr = errors.New("ioctl failed")
		if _, err := b.Dispatch(context.Background()); !errors.Is(err, status.ErrQueryFailed) {
			t.Errorf("expected ErrQueryFailed, got %v", err)
		}
	})

	t.Run("closed", func(t *testing.T) {
		b := New(&fakeSource{})
		b.Close()
		if _, err := b.SubmitSwap(swap.Request{Seq: 1}); !errors.Is(err, status.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
	})
}
