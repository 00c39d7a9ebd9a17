// ABOUTME: Completion tracker that matches backend events to pending swaps
// ABOUTME: Dispatch is one bounded unit of work, safe to call concurrently
package swap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/Flipstamp/flipstamp-go/pkg/clock"
)

// Source delivers completion events. Dispatch must not block beyond one
// bounded query of the platform.
type Source interface {
	Dispatch(ctx context.Context) ([]Event, error)
}

// SubmitFunc hands a numbered request to the platform and returns the
// frame count the swap was scheduled for (0 if unknown).
type SubmitFunc func(Request) (uint64, error)

// Tracker owns one window's registry behind a single lock.
type Tracker struct {
	mu        sync.Mutex
	registry  *Registry
	source    Source
	host      clock.Host
	onResolve func(Record)
	debug     bool

	stats TrackerStats
}

// TrackerStats counts tracker activity
type TrackerStats struct {
	Submitted int64
	Aborted   int64
	Completed int64
	Discarded int64
	Unmatched int64
}

// NewTracker creates a tracker reading events from src.
func NewTracker(src Source, host clock.Host) *Tracker {
	if host == nil {
		host = clock.System
	}
	return &Tracker{
		registry: NewRegistry(),
		source:   src,
		host:     host,
	}
}

// OnResolve registers a callback invoked after each record resolves,
// outside the tracker lock.
func (t *Tracker) OnResolve(fn func(Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResolve = fn
}

// SetDebug enables logging of unmatched events.
func (t *Tracker) SetDebug(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.debug = on
}

// Submit numbers req, records it as pending, then calls submit. The record
// exists before the platform sees the swap, so a notification can never
// arrive for an unknown sequence number. On failure the record is dropped
// and the number stays burned.
func (t *Tracker) Submit(req Request, submit SubmitFunc) (Request, uint64, error) {
	t.mu.Lock()
	req.SubmittedAt = t.host.Now()
	req = t.registry.Insert(req)
	t.stats.Submitted++
	t.mu.Unlock()

	scheduled, err := submit(req)
	if err != nil {
		t.mu.Lock()
		t.registry.Abort(req.Seq)
		t.stats.Aborted++
		t.mu.Unlock()
		return req, 0, err
	}
	return req, scheduled, nil
}

// Dispatch pulls available events from the source and resolves their
// records. It returns how many records resolved. Events for unknown
// sequence numbers are ignored; an event for an already resolved record
// is reported as an error after the remaining events were applied.
// Events returned alongside a source error are still applied.
func (t *Tracker) Dispatch(ctx context.Context) (int, error) {
	t.mu.Lock()

	events, srcErr := t.source.Dispatch(ctx)

	var resolved []Record
	var firstErr error
	for _, ev := range events {
		rec, err := t.registry.Resolve(ev, t.host.Now())
		if err != nil {
			if errors.Is(err, errUnmatched) {
				t.stats.Unmatched++
				if t.debug {
					log.Printf("DEBUG: ignoring completion event for unknown seq %d", ev.Seq)
				}
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if rec.Status == Discarded {
			t.stats.Discarded++
		} else {
			t.stats.Completed++
		}
		resolved = append(resolved, rec)
	}
	fn := t.onResolve
	t.mu.Unlock()

	if fn != nil {
		for _, rec := range resolved {
			fn(rec)
		}
	}

	if srcErr != nil {
		return len(resolved), errors.Join(fmt.Errorf("dispatch: %w", srcErr), firstErr)
	}
	return len(resolved), firstErr
}

// Record returns the record for seq, if still retained.
func (t *Tracker) Record(seq uint64) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registry.Get(seq)
}

// LastSubmitted returns the newest sequence number handed out.
func (t *Tracker) LastSubmitted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registry.LastSeq()
}

// LastResolved returns the newest resolved record.
func (t *Tracker) LastResolved() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registry.LastResolved()
}

// Pending counts records still waiting for an outcome.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registry.Pending()
}

// Prune drops resolved records older than before.
func (t *Tracker) Prune(before uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registry.Prune(before)
}

// Stats returns a snapshot of tracker counters.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
