// ABOUTME: Tests for the completion tracker
// ABOUTME: Uses a scripted event source to drive dispatch and submission paths
package swap

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
)

// scriptedSource hands out queued event batches, one per Dispatch.
type scriptedSource struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (s *scriptedSource) push(evs ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, evs)
}

func (s *scriptedSource) Dispatch(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func fixedHost(v float64) clock.Host {
	return clock.HostFunc(func() float64 { return v })
}

func submitOK(Request) (uint64, error) { return 0, nil }

func TestTrackerResolvesOutOfOrder(t *testing.T) {
	src := &scriptedSource{}
	tr := NewTracker(src, fixedHost(7))

	for i := 0; i < 3; i++ {
		if _, _, err := tr.Submit(Request{}, submitOK); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	// Seq 3 presents before 1 and 2 are discarded.
	src.push(
		Event{Seq: 3, Outcome: Presented{Raw: 300, FrameCounter: 3, Flags: VsyncGuaranteed}},
		Event{Seq: 1, Outcome: Discard{}},
	)
	src.push(Event{Seq: 2, Outcome: Discard{}})

	var order []uint64
	tr.OnResolve(func(r Record) { order = append(order, r.Seq) })

	n, err := tr.Dispatch(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("first dispatch: n=%d err=%v", n, err)
	}
	n, err = tr.Dispatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("second dispatch: n=%d err=%v", n, err)
	}

	if len(order) != 3 || order[0] != 3 || order[1] != 1 || order[2] != 2 {
		t.Errorf("unexpected resolve order %v", order)
	}
	if tr.Pending() != 0 {
		t.Errorf("expected no pending records, got %d", tr.Pending())
	}

	last, _ := tr.LastResolved()
	if last.Seq != 3 {
		t.Errorf("last resolved should be the highest seq, got %d", last.Seq)
	}

	rec, ok := tr.Record(3)
	if !ok || rec.HostTime != 7 {
		t.Errorf("expected host time sampled at resolve, got %+v", rec)
	}

	stats := tr.Stats()
	if stats.Completed != 1 || stats.Discarded != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestTrackerIgnoresUnmatched(t *testing.T) {
	src := &scriptedSource{}
	tr := NewTracker(src, fixedHost(0))
	tr.Submit(Request{}, submitOK)

	src.push(Event{Seq: 42, Outcome: Discard{}}, Event{Seq: 1, Outcome: Presented{Raw: 9}})

	n, err := tr.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 resolved, got %d", n)
	}
	if tr.Stats().Unmatched != 1 {
		t.Errorf("expected 1 unmatched, got %d", tr.Stats().Unmatched)
	}
}

func TestTrackerDoubleResolve(t *testing.T) {
	src := &scriptedSource{}
	tr := NewTracker(src, fixedHost(0))
	tr.Submit(Request{}, submitOK)
	tr.Submit(Request{}, submitOK)

	src.push(
		Event{Seq: 1, Outcome: Presented{Raw: 1}},
		Event{Seq: 1, Outcome: Discard{}},
		Event{Seq: 2, Outcome: Presented{Raw: 2}},
	)

	n, err := tr.Dispatch(context.Background())
	if !errors.Is(err, status.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if n != 2 {
		t.Errorf("remaining events should still apply, resolved %d", n)
	}
}

func TestTrackerSubmitFailureBurnsSeq(t *testing.T) {
	tr := NewTracker(&scriptedSource{}, fixedHost(0))
	boom := errors.New("swap refused")

	req, _, err := tr.Submit(Request{}, func(Request) (uint64, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected submit error, got %v", err)
	}
	if _, ok := tr.Record(req.Seq); ok {
		t.Error("failed submission left a record behind")
	}

	next, _, err := tr.Submit(Request{}, submitOK)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if next.Seq <= req.Seq {
		t.Errorf("seq %d reused or decreased after %d", next.Seq, req.Seq)
	}
}

func TestTrackerRecordExistsBeforeSubmit(t *testing.T) {
	tr := NewTracker(&scriptedSource{}, fixedHost(0))

	_, _, err := tr.Submit(Request{}, func(r Request) (uint64, error) {
		if _, ok := tr.Record(r.Seq); !ok {
			t.Errorf("record %d missing while submitting", r.Seq)
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestTrackerSourceError(t *testing.T) {
	src := &scriptedSource{err: status.ErrQueryFailed}
	tr := NewTracker(src, fixedHost(0))

	if _, err := tr.Dispatch(context.Background()); !errors.Is(err, status.ErrQueryFailed) {
		t.Errorf("expected ErrQueryFailed, got %v", err)
	}
}

// partialSource returns its events together with an error, the way a
// source does when it was interrupted after draining.
type partialSource struct {
	events []Event
	err    error
}

func (s *partialSource) Dispatch(ctx context.Context) ([]Event, error) {
	evs := s.events
	s.events = nil
	return evs, s.err
}

func TestTrackerAppliesEventsReturnedWithError(t *testing.T) {
	src := &partialSource{err: context.Canceled}
	tr := NewTracker(src, fixedHost(3))
	req, _, err := tr.Submit(Request{}, submitOK)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	src.events = []Event{{Seq: req.Seq, Outcome: Presented{Raw: 11, FrameCounter: 4}}}

	n, err := tr.Dispatch(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the source error, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 resolved, got %d", n)
	}

	rec, ok := tr.Record(req.Seq)
	if !ok || rec.Status != Completed || rec.RawTimestamp != 11 {
		t.Errorf("drained event was lost: %+v", rec)
	}
}

func TestTrackerConcurrentSubmitAndDispatch(t *testing.T) {
	src := &scriptedSource{}
	tr := NewTracker(src, fixedHost(0))

	const n = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			req, _, err := tr.Submit(Request{}, submitOK)
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			src.push(Event{Seq: req.Seq, Outcome: Presented{Raw: req.Seq}})
		}
	}()

	resolved := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		k, err := tr.Dispatch(context.Background())
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		resolved += k
		select {
		case <-done:
			for {
				k, err := tr.Dispatch(context.Background())
				if err != nil {
					t.Fatalf("Dispatch: %v", err)
				}
				if k == 0 && tr.Pending() == 0 {
					resolved += k
					if resolved != n {
						t.Errorf("resolved %d of %d", resolved, n)
					}
					return
				}
				resolved += k
			}
		default:
		}
	}
}
