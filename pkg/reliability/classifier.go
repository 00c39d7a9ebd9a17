// ABOUTME: Grades how far a completion timestamp can be trusted
// ABOUTME: Maps backend quality flags to accept/warn/reject verdicts and swap types
package reliability

import (
	"fmt"
	"strings"

	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// Level is the overall verdict.
type Level int

const (
	Accept Level = iota
	Warn
	Reject
)

func (l Level) String() string {
	switch l {
	case Accept:
		return "accept"
	case Warn:
		return "warn"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Code names one reason behind a verdict.
type Code int

const (
	CodeNotTearFree Code = iota + 1
	CodeNoHardwareCompletion
	CodeMisconfigured
	CodeNoHardwareClock
	CodeNoZeroCopy
	CodeDiscarded
)

func (c Code) String() string {
	switch c {
	case CodeNotTearFree:
		return "not-tear-free"
	case CodeNoHardwareCompletion:
		return "no-hardware-completion"
	case CodeMisconfigured:
		return "misconfigured"
	case CodeNoHardwareClock:
		return "no-hardware-clock"
	case CodeNoZeroCopy:
		return "no-zero-copy"
	case CodeDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Message is the human readable explanation for a code.
func (c Code) Message() string {
	switch c {
	case CodeNotTearFree:
		return "swap was not tear-free; visual stimulus onset timing is unreliable"
	case CodeNoHardwareCompletion:
		return "completion was not signalled by the display hardware; onset timestamps may be off"
	case CodeMisconfigured:
		return "the display or compositor is likely misconfigured for timing-critical presentation"
	case CodeNoHardwareClock:
		return "timestamp is not hardware clocked; falling back to less precise timestamping"
	case CodeNoZeroCopy:
		return "fullscreen window was composited instead of scanned out directly; expect extra latency"
	case CodeDiscarded:
		return "swap was discarded and never shown"
	}
	return c.String()
}

// SwapType summarizes how a frame reached the display.
type SwapType int

const (
	Unknown SwapType = iota
	IdentityPageflip
	CompositedPageflip
	ImprecisePageflip
	ImpreciseCopy
	Copy
	Discarded
)

func (s SwapType) String() string {
	switch s {
	case IdentityPageflip:
		return "IdentityPageflip"
	case CompositedPageflip:
		return "CompositedPageflip"
	case ImprecisePageflip:
		return "ImprecisePageflip"
	case ImpreciseCopy:
		return "ImpreciseCopy"
	case Copy:
		return "Copy"
	case Discarded:
		return "Discarded"
	}
	return "Unknown"
}

// Context is the window state a verdict depends on.
type Context struct {
	VsyncRequired     bool
	FullscreenOpaque  bool
	FallbackAvailable bool
}

// Verdict is the result of Classify.
type Verdict struct {
	Level               Level
	Codes               []Code
	Downgrade           bool
	FallbackRecommended bool
	SwapType            SwapType
}

// Has reports whether the verdict carries code.
func (v Verdict) Has(code Code) bool {
	for _, c := range v.Codes {
		if c == code {
			return true
		}
	}
	return false
}

func (v Verdict) String() string {
	codes := make([]string, len(v.Codes))
	for i, c := range v.Codes {
		codes[i] = c.String()
	}
	return fmt.Sprintf("%s [%s] %s", v.Level, strings.Join(codes, ","), v.SwapType)
}

func (v *Verdict) raise(l Level, c Code) {
	if l > v.Level {
		v.Level = l
	}
	v.Codes = append(v.Codes, c)
}

// Classify grades one resolved record.
func Classify(rec swap.Record, ctx Context) Verdict {
	if rec.Status == swap.Discarded {
		v := Verdict{SwapType: Discarded}
		if ctx.VsyncRequired {
			v.raise(Warn, CodeDiscarded)
		} else {
			v.Codes = append(v.Codes, CodeDiscarded)
		}
		return v
	}

	v := Verdict{SwapType: TypeOf(rec.Flags)}
	f := rec.Flags

	if ctx.VsyncRequired {
		misconfigured := false
		if !f.Has(swap.VsyncGuaranteed) {
			v.raise(Reject, CodeNotTearFree)
			misconfigured = true
		}
		if !f.Has(swap.HardwareCompletionSignalled) {
			v.raise(Warn, CodeNoHardwareCompletion)
			misconfigured = true
		}
		if misconfigured {
			v.Codes = append(v.Codes, CodeMisconfigured)
		}
	}

	if f.Has(swap.VsyncGuaranteed|swap.HardwareCompletionSignalled) && !f.Has(swap.HardwareClocked) {
		v.Codes = append(v.Codes, CodeNoHardwareClock)
		v.Downgrade = true
		v.FallbackRecommended = ctx.FallbackAvailable
	}

	if ctx.FullscreenOpaque && !f.Has(swap.ZeroCopy) {
		v.raise(Warn, CodeNoZeroCopy)
	}

	return v
}

// TypeOf names the presentation path implied by a set of quality flags.
func TypeOf(f swap.QualityFlags) SwapType {
	const (
		s = swap.VsyncGuaranteed
		c = swap.HardwareClocked
		e = swap.HardwareCompletionSignalled
		z = swap.ZeroCopy
	)

	switch f {
	case 0:
		return Unknown
	case s | c | e | z:
		return IdentityPageflip
	case s | c | e:
		return CompositedPageflip
	case s | e | z:
		return ImprecisePageflip
	case s | e:
		return ImpreciseCopy
	}
	return Copy
}
