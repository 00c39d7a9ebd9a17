// ABOUTME: Swap requests, completion records, and tracker events
// ABOUTME: The data that flows between submission, backends, and the waiter
package swap

import (
	"fmt"
	"strings"

	"github.com/Flipstamp/flipstamp-go/pkg/status"
)

// Status is the lifecycle state of a completion record.
type Status int

const (
	Pending Status = iota
	Completed
	Discarded
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Discarded:
		return "discarded"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// QualityFlags describe how trustworthy a completion timestamp is.
type QualityFlags uint32

const (
	// VsyncGuaranteed means the swap was tear-free.
	VsyncGuaranteed QualityFlags = 1 << iota
	// HardwareClocked means the timestamp came from the display hardware.
	HardwareClocked
	// HardwareCompletionSignalled means the hardware signalled completion.
	HardwareCompletionSignalled
	// ZeroCopy means the buffer was scanned out directly, no compositor copy.
	ZeroCopy
)

// Has reports whether every bit of want is set.
func (f QualityFlags) Has(want QualityFlags) bool {
	return f&want == want
}

// String renders the compact "scez" mask used in swap logs, with '_' for
// every missing flag.
func (f QualityFlags) String() string {
	var b strings.Builder
	for _, bit := range []struct {
		flag QualityFlags
		c    byte
	}{
		{VsyncGuaranteed, 's'},
		{HardwareClocked, 'c'},
		{HardwareCompletionSignalled, 'e'},
		{ZeroCopy, 'z'},
	} {
		if f.Has(bit.flag) {
			b.WriteByte(bit.c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ConstraintFlags select a frame parity for frame-sequential stereo.
type ConstraintFlags uint32

const (
	ConstrainEven ConstraintFlags = 1
	ConstrainOdd  ConstraintFlags = 2
)

// Request is one submitted swap. It is immutable once the tracker has
// assigned its sequence number.
type Request struct {
	Seq              uint64
	TargetTime       float64 // reference seconds, 0 = as soon as possible
	TargetFrameCount uint64  // overrides TargetTime when non-zero
	Divisor          uint64
	Remainder        uint64
	Flags            ConstraintFlags
	SubmittedAt      float64
}

// Validate rejects constraints that can never be satisfied.
func (r Request) Validate() error {
	if r.Flags&ConstrainEven != 0 && r.Flags&ConstrainOdd != 0 {
		return fmt.Errorf("even and odd frame requested together: %w", status.ErrInvalidConstraint)
	}
	if r.Divisor > 0 && r.Remainder >= r.Divisor {
		return fmt.Errorf("remainder %d not below divisor %d: %w", r.Remainder, r.Divisor, status.ErrInvalidConstraint)
	}
	if r.Divisor == 0 && r.Remainder > 0 {
		return fmt.Errorf("remainder %d without divisor: %w", r.Remainder, status.ErrInvalidConstraint)
	}
	if r.Flags != 0 && r.Divisor > 0 {
		return fmt.Errorf("parity flags combined with divisor %d: %w", r.Divisor, status.ErrInvalidConstraint)
	}
	return nil
}

// Constraint returns the effective divisor/remainder pair, folding the
// parity flags into divisor 2.
func (r Request) Constraint() (divisor, remainder uint64) {
	switch {
	case r.Flags&ConstrainEven != 0:
		return 2, 0
	case r.Flags&ConstrainOdd != 0:
		return 2, 1
	}
	return r.Divisor, r.Remainder
}

// Explicit reports whether the request names a frame or a frame modulus,
// which only backends with explicit scheduling can honor.
func (r Request) Explicit() bool {
	return r.TargetFrameCount > 0 || r.Divisor > 0 || r.Flags != 0
}

// Record tracks the fate of one submitted swap.
type Record struct {
	Seq          uint64
	Status       Status
	RawTimestamp uint64
	FrameCounter uint64
	Flags        QualityFlags
	RefreshNsec  uint32
	HostTime     float64 // reference time when the record resolved
	Request      Request
}

// Outcome is the payload of an Event: Presented or Discard.
type Outcome interface {
	isOutcome()
}

// Presented reports that a swap became visible.
type Presented struct {
	Raw          uint64
	FrameCounter uint64
	Flags        QualityFlags
	RefreshNsec  uint32
}

// Discard reports that a swap was never shown.
type Discard struct{}

func (Presented) isOutcome() {}
func (Discard) isOutcome()   {}

// Event is a backend notification about one sequence number.
type Event struct {
	Seq     uint64
	Outcome Outcome
}
