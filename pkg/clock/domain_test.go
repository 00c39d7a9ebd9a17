// ABOUTME: Tests for clock domain calibration and translation
// ABOUTME: Covers offset bracketing, health checks, monotonicity, and rebinding
package clock

import (
	"errors"
	"math"
	"testing"

	"github.com/Flipstamp/flipstamp-go/pkg/status"
)

// fakeProbe returns scripted raw samples at a fixed frequency.
type fakeProbe struct {
	id      ID
	freq    float64
	freqErr error
	samples []uint64
	errs    []error
	next    int
}

func (p *fakeProbe) ID() ID { return p.id }

func (p *fakeProbe) FrequencyHz() (float64, error) { return p.freq, p.freqErr }

func (p *fakeProbe) Sample() (uint64, error) {
	i := p.next
	p.next++
	if i < len(p.errs) && p.errs[i] != nil {
		return 0, p.errs[i]
	}
	return p.samples[i%len(p.samples)], nil
}

// steppingHost advances by a scripted step on every read.
type steppingHost struct {
	now   float64
	steps []float64
	i     int
}

func (h *steppingHost) Now() float64 {
	v := h.now
	h.now += h.steps[h.i%len(h.steps)]
	h.i++
	return v
}

func TestCalibratePicksNarrowestBracket(t *testing.T) {
	// Raw counter at 10 MHz reading 50s worth of ticks for every sample.
	probe := &fakeProbe{id: PerformanceCounter, freq: 1e7, samples: []uint64{500000000}}

	// First bracket is 2ms wide, second 10µs, rest 1ms.
	steps := []float64{0.002, 0.001, 0.00001, 0.001}
	for len(steps) < 2*calibrationSamples {
		steps = append(steps, 0.001)
	}
	host := &steppingHost{now: 1000, steps: steps}

	d, err := Calibrate(probe, host)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	if d.Uncertainty > 0.00001 {
		t.Errorf("expected narrowest bracket to win, uncertainty=%g", d.Uncertainty)
	}

	// The narrow bracket starts at 1000.003 and ends 10µs later.
	want := 1000.003005 - 50.0
	if math.Abs(d.Offset-want) > 1e-9 {
		t.Errorf("offset = %.9f, want %.9f", d.Offset, want)
	}
}

func TestCalibrateRejectsImplausibleFrequency(t *testing.T) {
	tests := []struct {
		name string
		freq float64
	}{
		{"zero", 0},
		{"tiny", 100},
		{"nan", math.NaN()},
		{"inf", math.Inf(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := &fakeProbe{id: PerformanceCounter, freq: tt.freq, samples: []uint64{1}}
			_, err := Calibrate(probe, HostFunc(func() float64 { return 1 }))
			if !errors.Is(err, status.ErrUnsupported) {
				t.Errorf("expected ErrUnsupported, got %v", err)
			}
		})
	}
}

func TestCalibrateAllSamplesFail(t *testing.T) {
	errs := make([]error, calibrationSamples)
	for i := range errs {
		errs[i] = errors.New("device gone")
	}
	probe := &fakeProbe{id: Realtime, freq: 1e9, samples: []uint64{1}, errs: errs}

	_, err := Calibrate(probe, HostFunc(func() float64 { return 1 }))
	if !errors.Is(err, status.ErrQueryFailed) {
		t.Errorf("expected ErrQueryFailed, got %v", err)
	}
}

func TestCalibrateReferenceClockIsExact(t *testing.T) {
	d, err := Calibrate(NewSystemProbe(Monotonic), System)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if d.Offset != 0 {
		t.Errorf("expected exact zero offset for the reference clock, got %g", d.Offset)
	}
	if d.FrequencyHz != 1e9 {
		t.Errorf("expected 1 GHz, got %g", d.FrequencyHz)
	}
}

func TestTranslationMonotonic(t *testing.T) {
	d := Domain{ID: CompositorDefined, FrequencyHz: 1e9, Offset: -1234.5}

	prev := math.Inf(-1)
	for raw := uint64(1700000000000000000); raw < 1700000000000000000+5000; raw += 7 {
		got := d.ToReferenceSeconds(raw)
		if got < prev {
			t.Fatalf("translation went backwards at raw=%d: %f < %f", raw, got, prev)
		}
		prev = got
	}
}

func TestTranslatorBindOnce(t *testing.T) {
	tr := NewTranslator()

	if _, err := tr.ToReferenceSeconds(1); !errors.Is(err, status.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported before bind, got %v", err)
	}

	d := Domain{ID: Monotonic, FrequencyHz: 1e9}
	if err := tr.Bind(d); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := tr.Bind(d); err != nil {
		t.Errorf("rebinding the same domain should succeed, got %v", err)
	}

	other := Domain{ID: Realtime, FrequencyHz: 1e9, Offset: 3}
	if err := tr.Bind(other); !errors.Is(err, status.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on domain change, got %v", err)
	}

	got, err := tr.ToReferenceSeconds(2500000000)
	if err != nil {
		t.Fatalf("ToReferenceSeconds: %v", err)
	}
	if got != 2.5 {
		t.Errorf("expected 2.5s, got %f", got)
	}
}

func TestTranslatorRejectsUnhealthyDomain(t *testing.T) {
	tr := NewTranslator()
	if err := tr.Bind(Domain{ID: PerformanceCounter, FrequencyHz: 1}); !errors.Is(err, status.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if _, bound := tr.Domain(); bound {
		t.Error("unhealthy domain must not be bound")
	}
}

func TestSystemClockAdvances(t *testing.T) {
	a := Now()
	b := Now()
	if b < a {
		t.Errorf("monotonic clock went backwards: %f -> %f", a, b)
	}
}
