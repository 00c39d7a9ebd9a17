// ABOUTME: Simulated page-flip chain exposing swap and media stream counters
// ABOUTME: Implements the legacy poll source; at most one flip per vblank
package simdisplay

import (
	"sync"

	"github.com/Flipstamp/flipstamp-go/pkg/backend"
	"github.com/Flipstamp/flipstamp-go/pkg/backend/legacy"
	"github.com/Flipstamp/flipstamp-go/pkg/clock"
)

// historySize bounds how many completed flips SyncValuesAt remembers.
const historySize = 64

type queuedFlip struct {
	sbc uint64
	msc uint64
}

// FlipChain queues swaps onto future vblanks.
type FlipChain struct {
	d *Display

	mu      sync.Mutex
	sbc     uint64
	queue   []queuedFlip
	lastMSC uint64
	done    legacy.SyncValues
	history []legacy.SyncValues
}

// NewFlipChain creates a flip chain on d
func NewFlipChain(d *Display) *FlipChain {
	return &FlipChain{d: d}
}

// SwapBuffers flips at the next free vblank.
func (f *FlipChain) SwapBuffers() (uint64, error) {
	sbc, _, err := f.SwapBuffersMSC(0, 0, 0)
	return sbc, err
}

// SwapBuffersMSC flips at the first free vblank at or after target that
// satisfies msc % divisor == remainder.
func (f *FlipChain) SwapBuffersMSC(target, divisor, remainder uint64) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	base := f.d.MSC(f.d.Now())
	if f.lastMSC > base {
		base = f.lastMSC
	}
	msc := backend.NextFrame(base, target, divisor, remainder)

	f.sbc++
	f.lastMSC = msc
	f.queue = append(f.queue, queuedFlip{sbc: f.sbc, msc: msc})
	return f.sbc, msc, nil
}

// SyncValues reports the newest completed flip.
func (f *FlipChain) SyncValues() (legacy.SyncValues, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.d.Now()
	n := 0
	for n < len(f.queue) && f.d.VBlankTime(f.queue[n].msc) <= now {
		q := f.queue[n]
		f.done = legacy.SyncValues{
			UST:   toNanos(f.d.VBlankTime(q.msc)),
			MSC:   q.msc,
			SBC:   q.sbc,
			Flags: f.d.flags,
		}
		f.history = append(f.history, f.done)
		n++
	}
	f.queue = f.queue[n:]
	if len(f.history) > historySize {
		f.history = append(f.history[:0], f.history[len(f.history)-historySize:]...)
	}

	return f.done, nil
}

// SyncValuesAt returns the counters of a recently completed flip.
func (f *FlipChain) SyncValuesAt(sbc uint64) (legacy.SyncValues, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.history) - 1; i >= 0; i-- {
		if f.history[i].SBC == sbc {
			return f.history[i], true
		}
	}
	return legacy.SyncValues{}, false
}

func (f *FlipChain) ClockProbe() clock.Probe { return f.d.Probe() }

func (f *FlipChain) RefreshInterval() float64 { return f.d.Period() }
