// ABOUTME: Swap completion waiter
// ABOUTME: Polls the tracker until a swap resolves, then timestamps and grades it
package flipstamp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Flipstamp/flipstamp-go/pkg/reliability"
	"github.com/Flipstamp/flipstamp-go/pkg/status"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// WaitSwapCompletion blocks until swap targetSeq resolves and returns its
// onset. targetSeq 0 waits for the most recent submission. A discarded
// swap returns its completion together with status.ErrDiscarded.
func (p *Presenter) WaitSwapCompletion(ctx context.Context, h Handle, targetSeq uint64) (Completion, error) {
	w, err := p.lookup(h)
	if err != nil {
		return Completion{}, err
	}

	if !w.backend.Capabilities().CompletionTimestamps {
		return Completion{}, fmt.Errorf("%s backend has no completion timestamps: %w", w.backend.Name(), status.ErrUnsupported)
	}

	last := w.tracker.LastSubmitted()
	if targetSeq == 0 {
		targetSeq = last
	}
	if targetSeq == 0 || targetSeq > last {
		return Completion{}, fmt.Errorf("%s: seq %d never submitted (last %d): %w", h, targetSeq, last, status.ErrInvalidState)
	}

	var deadline time.Time
	if p.cfg.WaitTimeout > 0 {
		deadline = time.Now().Add(p.cfg.WaitTimeout)
	}

	for {
		if _, err := w.tracker.Dispatch(ctx); err != nil {
			switch {
			case errors.Is(err, status.ErrInvalidState):
				p.log.errorf("%s: backend resolved a swap twice: %v", h, err)
				return Completion{}, fmt.Errorf("%s: wait for seq %d: %w", h, targetSeq, err)
			case ctx.Err() != nil:
				return Completion{}, ctx.Err()
			default:
				return Completion{}, fmt.Errorf("%s: wait for seq %d: %v: %w", h, targetSeq, err, status.ErrQueryFailed)
			}
		}

		rec, ok := w.tracker.Record(targetSeq)
		if !ok {
			return Completion{}, fmt.Errorf("%s: seq %d no longer tracked: %w", h, targetSeq, status.ErrInvalidState)
		}
		if rec.Status != swap.Pending {
			return p.complete(h, w, rec)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			p.log.warnf("%s: gave up waiting for seq %d after %v", h, targetSeq, p.cfg.WaitTimeout)
			return Completion{}, fmt.Errorf("%s: seq %d: %w", h, targetSeq, status.ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// complete turns a resolved record into a graded completion and updates
// the window's timing baseline.
func (p *Presenter) complete(h Handle, w *window, rec swap.Record) (Completion, error) {
	w.mu.Lock()

	verdict := reliability.Classify(rec, reliability.Context{
		VsyncRequired:     w.vsyncRequired,
		FullscreenOpaque:  w.fullscreenOpaque,
		FallbackAvailable: w.fallback != nil,
	})

	c := Completion{
		Session:      w.session,
		Seq:          rec.Seq,
		Status:       rec.Status,
		FrameCounter: rec.FrameCounter,
		Flags:        rec.Flags,
		Verdict:      verdict,
	}

	if rec.Status == swap.Discarded {
		if w.vsyncRequired {
			p.log.warnf("%s: swap seq %d was discarded by the compositor and never shown", h, rec.Seq)
		} else {
			p.log.debugf("%s: swap seq %d discarded", h, rec.Seq)
		}
		w.mu.Unlock()
		w.tracker.Prune(rec.Seq)
		p.notify(c)
		return c, fmt.Errorf("%s: seq %d: %w", h, rec.Seq, status.ErrDiscarded)
	}

	if rec.RawTimestamp == 0 && w.vsyncRequired {
		w.mu.Unlock()
		p.log.errorf("%s: swap seq %d completed with a zero timestamp, onset unknown", h, rec.Seq)
		return c, fmt.Errorf("%s: seq %d has no timestamp: %w", h, rec.Seq, status.ErrQueryFailed)
	}

	onset, src := w.onset(rec)
	p.report(h, w, verdict)

	if verdict.Downgrade && verdict.FallbackRecommended {
		t, err := w.fallback.OnsetTimestamp(rec, w.refreshInterval)
		if err != nil {
			p.log.warnf("%s: fallback timestamping failed for seq %d: %v", h, rec.Seq, err)
		} else {
			onset, src = t, SourceFallback
		}
	}

	c.OnsetTime = onset
	c.Source = src

	diag := Diagnostics{
		Seq:     rec.Seq,
		Backend: w.backend.Name(),
		Flags:   rec.Flags.String(),
		Verdict: verdict,
		Source:  src,
		C2P:     onset - rec.Request.SubmittedAt,
	}
	if w.lastFrameStart > 0 {
		diag.P2P = onset - w.lastFrameStart
	}
	if rec.Request.TargetTime > 0 {
		diag.T2P = onset - rec.Request.TargetTime
	}
	w.diag = &diag

	if rec.Seq > w.lastOnsetSeq {
		w.lastOnsetSeq = rec.Seq
		w.lastFrameStart = onset
		w.lastFrameCount = rec.FrameCounter
	}
	w.mu.Unlock()

	p.log.debugf("%s: seq %d onset=%.6f msc=%d flags=%s type=%s src=%s c2p=%.3fms p2p=%.3fms t2p=%.3fms",
		h, rec.Seq, onset, rec.FrameCounter, rec.Flags, verdict.SwapType, src,
		diag.C2P*1000, diag.P2P*1000, diag.T2P*1000)

	w.tracker.Prune(rec.Seq)
	p.notify(c)
	return c, nil
}

// report logs verdict codes. Each code is printed once per window at its
// severity and only at debug verbosity afterwards. Called with w.mu held.
func (p *Presenter) report(h Handle, w *window, v reliability.Verdict) {
	for _, code := range v.Codes {
		if !w.noticeOnce(code) {
			p.log.debugf("%s: %s", h, code.Message())
			continue
		}

		switch {
		case code == reliability.CodeNotTearFree:
			p.log.errorf("%s: %s", h, code.Message())
		case code == reliability.CodeNoHardwareClock && !v.FallbackRecommended:
			p.log.warnf("%s: timestamp is not hardware clocked and no fallback is available; onset times may be off by up to a refresh", h)
		case code == reliability.CodeMisconfigured:
			p.log.warnf("%s: %s; check that the display runs a fullscreen, unredirected, vsynced configuration", h, code.Message())
		default:
			p.log.warnf("%s: %s", h, code.Message())
		}
	}
}

func (p *Presenter) notify(c Completion) {
	p.mu.RLock()
	observers := p.observers
	p.mu.RUnlock()

	for _, fn := range observers {
		fn(c)
	}
}
