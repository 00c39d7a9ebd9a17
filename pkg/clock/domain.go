// ABOUTME: Clock domain translation into the reference clock
// ABOUTME: Calibrates a platform clock once, then maps raw counts with a multiply/add
package clock

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/Flipstamp/flipstamp-go/pkg/status"
)

// ID identifies the platform clock a raw timestamp was taken in.
type ID int

const (
	Monotonic ID = iota
	Realtime
	MonotonicRaw
	BootTime
	PerformanceCounter
	CompositorDefined
)

func (id ID) String() string {
	switch id {
	case Monotonic:
		return "monotonic"
	case Realtime:
		return "realtime"
	case MonotonicRaw:
		return "monotonic-raw"
	case BootTime:
		return "boottime"
	case PerformanceCounter:
		return "performance-counter"
	case CompositorDefined:
		return "compositor"
	}
	return fmt.Sprintf("clock(%d)", int(id))
}

// MinHealthyFrequencyHz is the lowest counter frequency accepted for
// onset timestamping. Anything slower cannot resolve a refresh cycle.
const MinHealthyFrequencyHz = 10000.0

// calibrationSamples is how many bracketed samples Calibrate takes.
const calibrationSamples = 8

// Domain describes one calibrated clock domain.
type Domain struct {
	ID          ID
	FrequencyHz float64
	Offset      float64 // seconds added after scaling
	Uncertainty float64 // half-width of the best bracketing sample, seconds
}

// ToReferenceSeconds maps a raw count into reference-clock seconds.
func (d Domain) ToReferenceSeconds(raw uint64) float64 {
	return float64(raw)/d.FrequencyHz + d.Offset
}

// Healthy reports whether the domain can be used for timestamping.
func (d Domain) Healthy() bool {
	return healthyFrequency(d.FrequencyHz)
}

func (d Domain) equal(o Domain) bool {
	return d.ID == o.ID && d.FrequencyHz == o.FrequencyHz && d.Offset == o.Offset
}

func healthyFrequency(hz float64) bool {
	return !math.IsNaN(hz) && !math.IsInf(hz, 0) && hz >= MinHealthyFrequencyHz
}

// Probe samples a platform clock for calibration.
type Probe interface {
	ID() ID
	FrequencyHz() (float64, error)
	Sample() (uint64, error)
}

// FixedOffset is implemented by probes whose offset to the reference
// clock is known exactly, e.g. the reference clock itself.
type FixedOffset interface {
	KnownOffset() (float64, bool)
}

// Calibrate queries a probe once and derives the domain translation.
//
// The offset is estimated by bracketing each raw sample between two host
// reference readings. The bracket with the smallest width wins and the
// raw reading is assumed to sit in its middle.
func Calibrate(p Probe, host Host) (Domain, error) {
	freq, err := p.FrequencyHz()
	if err != nil {
		return Domain{}, fmt.Errorf("clock %s frequency: %v: %w", p.ID(), err, status.ErrUnsupported)
	}
	if !healthyFrequency(freq) {
		return Domain{}, fmt.Errorf("clock %s frequency %.3f Hz implausible: %w", p.ID(), freq, status.ErrUnsupported)
	}

	d := Domain{ID: p.ID(), FrequencyHz: freq}

	if fo, ok := p.(FixedOffset); ok {
		if off, known := fo.KnownOffset(); known {
			d.Offset = off
			return d, nil
		}
	}

	best := math.Inf(1)
	for i := 0; i < calibrationSamples; i++ {
		t1 := host.Now()
		raw, err := p.Sample()
		t4 := host.Now()
		if err != nil {
			continue
		}

		width := t4 - t1
		if width < 0 {
			// Host clock went backwards; not a usable bracket.
			continue
		}
		if width < best {
			best = width
			d.Offset = (t1+t4)/2 - float64(raw)/freq
			d.Uncertainty = width / 2
		}
	}

	if math.IsInf(best, 1) {
		return Domain{}, fmt.Errorf("clock %s: no usable calibration sample: %w", p.ID(), status.ErrQueryFailed)
	}

	log.Printf("Calibrated clock %s: %.0f Hz, offset=%.9fs, uncertainty=%.1fµs",
		d.ID, d.FrequencyHz, d.Offset, d.Uncertainty*1e6)

	return d, nil
}

// Translator binds one clock domain for the lifetime of a window.
type Translator struct {
	mu     sync.RWMutex
	domain Domain
	bound  bool
}

// NewTranslator creates an unbound translator
func NewTranslator() *Translator {
	return &Translator{}
}

// Bind attaches a domain. Rebinding the same domain is a no-op; binding a
// different one is rejected because the domain must not change during a
// window's lifetime.
func (t *Translator) Bind(d Domain) error {
	if !d.Healthy() {
		return fmt.Errorf("bind clock %s at %.3f Hz: %w", d.ID, d.FrequencyHz, status.ErrUnsupported)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bound {
		if t.domain.equal(d) {
			return nil
		}
		return fmt.Errorf("clock domain change %s -> %s: %w", t.domain.ID, d.ID, status.ErrInvalidState)
	}

	t.domain = d
	t.bound = true
	return nil
}

// Domain returns the bound domain, if any.
func (t *Translator) Domain() (Domain, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.domain, t.bound
}

// ToReferenceSeconds converts a raw timestamp of the bound domain.
func (t *Translator) ToReferenceSeconds(raw uint64) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.bound {
		return 0, fmt.Errorf("no clock domain bound: %w", status.ErrUnsupported)
	}
	return t.domain.ToReferenceSeconds(raw), nil
}
