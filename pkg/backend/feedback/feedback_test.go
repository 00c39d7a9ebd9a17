// ABOUTME: Tests for the push feedback backend
// ABOUTME: Fake compositor connection feeding presented and discarded events
package feedback

import (
	"context"
	"errors"
	"testing"

	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/compositor"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

type fakeConn struct {
	requested []uint64
	commits   int
	events    chan Message
	commitErr error
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Message, 16)}
}

func (c *fakeConn) RequestFeedback(seq uint64) error {
	c.requested = append(c.requested, seq)
	return nil
}

func (c *fakeConn) Commit() error {
	if c.commitErr != nil {
		return c.commitErr
	}
	c.commits++
	return nil
}

func (c *fakeConn) Events() <-chan Message { return c.events }

func (c *fakeConn) ClockID() clock.ID { return clock.Monotonic }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestFeedbackDispatchDrainsEvents(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, compositor.DefaultSafetyMargin)

	for seq := uint64(1); seq <= 2; seq++ {
		if _, err := b.SubmitSwap(swap.Request{Seq: seq}); err != nil {
			t.Fatalf("SubmitSwap: %v", err)
		}
	}
	if conn.commits != 2 || len(conn.requested) != 2 {
		t.Fatalf("expected 2 commits with feedback, got %d/%v", conn.commits, conn.requested)
	}

	conn.events <- Message{Seq: 2, Kind: Presented, Sec: 100, Nsec: 500, RefreshNsec: 16666667, MSC: 7,
		Flags: swap.VsyncGuaranteed | swap.HardwareClocked}
	conn.events <- Message{Seq: 1, Kind: Discarded}

	events, err := b.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	p, ok := events[0].Outcome.(swap.Presented)
	if !ok || p.Raw != 100000000500 || p.FrameCounter != 7 {
		t.Errorf("unexpected presented event %+v", events[0])
	}
	if _, ok := events[1].Outcome.(swap.Discard); !ok {
		t.Errorf("expected discard for seq 1, got %+v", events[1])
	}

	if got := b.RefreshInterval(); got < 0.016 || got > 0.017 {
		t.Errorf("refresh interval not taken from feedback: %f", got)
	}

	// Empty channel must not block.
	events, err = b.Dispatch(context.Background())
	if err != nil || len(events) != 0 {
		t.Errorf("expected empty dispatch, got %v %v", events, err)
	}
}

func TestFeedbackCancelledDispatchKeepsEvents(t *testing.T) {
	for i := 0; i < 50; i++ {
		conn := newFakeConn()
		b := New(conn, 0)
		tr := swap.NewTracker(b, clock.HostFunc(func() float64 { return 1 }))

		req, _, err := tr.Submit(swap.Request{}, b.SubmitSwap)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		conn.events <- Message{Seq: req.Seq, Kind: Presented, Sec: 5, MSC: 3, Flags: swap.VsyncGuaranteed}

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := tr.Dispatch(cancelled); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		if _, err := tr.Dispatch(context.Background()); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		rec, ok := tr.Record(req.Seq)
		if !ok || rec.Status != swap.Completed {
			t.Fatalf("trial %d: feedback lost across a cancelled dispatch: %+v", i, rec)
		}
	}
}

func TestFeedbackRejectsExplicitSchedule(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, 0)

	_, err := b.SubmitSwap(swap.Request{Seq: 1, TargetFrameCount: 10})
	if !errors.Is(err, status.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if conn.commits != 0 {
		t.Error("rejected swap was committed")
	}
}

func TestFeedbackConnectionLost(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, 0)
	close(conn.events)

	if _, err := b.Dispatch(context.Background()); !errors.Is(err, status.ErrQueryFailed) {
		t.Errorf("expected ErrQueryFailed, got %v", err)
	}
	if _, err := b.SubmitSwap(swap.Request{Seq: 1}); !errors.Is(err, status.ErrQueryFailed) {
		t.Errorf("expected submit to fail after loss, got %v", err)
	}
}

func TestFeedbackCommitError(t *testing.T) {
	conn := newFakeConn()
	conn.commitErr = errors.New("broken pipe")
	b := New(conn, 0)

	if _, err := b.SubmitSwap(swap.Request{Seq: 1}); !errors.Is(err, conn.commitErr) {
		t.Errorf("expected commit error, got %v", err)
	}
}

func TestFeedbackProfile(t *testing.T) {
	b := New(newFakeConn(), 0.0005)
	p := b.Compositor()
	if p.Mode != compositor.CompositionDeadline || p.SafetyMargin != 0.0005 {
		t.Errorf("unexpected profile %+v", p)
	}
	if b.Capabilities().ExplicitScheduling {
		t.Error("feedback backend cannot schedule explicitly")
	}
}
