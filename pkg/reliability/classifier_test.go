// ABOUTME: Tests for the reliability classifier
// ABOUTME: Table of flag combinations against expected verdicts and swap types
package reliability

import (
	"testing"

	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

const (
	s = swap.VsyncGuaranteed
	c = swap.HardwareClocked
	e = swap.HardwareCompletionSignalled
	z = swap.ZeroCopy
)

func completed(f swap.QualityFlags) swap.Record {
	return swap.Record{Seq: 1, Status: swap.Completed, RawTimestamp: 1, Flags: f}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		rec       swap.Record
		ctx       Context
		level     Level
		codes     []Code
		downgrade bool
		recommend bool
		swapType  SwapType
	}{
		{
			name:     "perfect pageflip",
			rec:      completed(s | c | e | z),
			ctx:      Context{VsyncRequired: true, FullscreenOpaque: true},
			level:    Accept,
			swapType: IdentityPageflip,
		},
		{
			name:     "tearing",
			rec:      completed(c | e),
			ctx:      Context{VsyncRequired: true},
			level:    Reject,
			codes:    []Code{CodeNotTearFree, CodeMisconfigured},
			swapType: Copy,
		},
		{
			name:     "tearing without vsync requirement",
			rec:      completed(c | e),
			ctx:      Context{},
			level:    Accept,
			swapType: Copy,
		},
		{
			name:     "no hardware completion",
			rec:      completed(s | c),
			ctx:      Context{VsyncRequired: true},
			level:    Warn,
			codes:    []Code{CodeNoHardwareCompletion, CodeMisconfigured},
			swapType: Copy,
		},
		{
			name:      "software clocked with fallback",
			rec:       completed(s | e | z),
			ctx:       Context{VsyncRequired: true, FallbackAvailable: true},
			level:     Accept,
			codes:     []Code{CodeNoHardwareClock},
			downgrade: true,
			recommend: true,
			swapType:  ImprecisePageflip,
		},
		{
			name:      "software clocked without fallback",
			rec:       completed(s | e),
			ctx:       Context{VsyncRequired: true},
			level:     Accept,
			codes:     []Code{CodeNoHardwareClock},
			downgrade: true,
			swapType:  ImpreciseCopy,
		},
		{
			name:     "composited fullscreen",
			rec:      completed(s | c | e),
			ctx:      Context{VsyncRequired: true, FullscreenOpaque: true},
			level:    Warn,
			codes:    []Code{CodeNoZeroCopy},
			swapType: CompositedPageflip,
		},
		{
			name:     "discarded on vsync window",
			rec:      swap.Record{Seq: 1, Status: swap.Discarded},
			ctx:      Context{VsyncRequired: true},
			level:    Warn,
			codes:    []Code{CodeDiscarded},
			swapType: Discarded,
		},
		{
			name:     "discarded without vsync",
			rec:      swap.Record{Seq: 1, Status: swap.Discarded},
			ctx:      Context{},
			level:    Accept,
			codes:    []Code{CodeDiscarded},
			swapType: Discarded,
		},
		{
			name:     "no flags at all",
			rec:      completed(0),
			ctx:      Context{},
			level:    Accept,
			swapType: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(tt.rec, tt.ctx)

			if v.Level != tt.level {
				t.Errorf("level = %s, want %s", v.Level, tt.level)
			}
			if len(v.Codes) != len(tt.codes) {
				t.Fatalf("codes = %v, want %v", v.Codes, tt.codes)
			}
			for i := range tt.codes {
				if v.Codes[i] != tt.codes[i] {
					t.Errorf("code[%d] = %s, want %s", i, v.Codes[i], tt.codes[i])
				}
			}
			if v.Downgrade != tt.downgrade {
				t.Errorf("downgrade = %v, want %v", v.Downgrade, tt.downgrade)
			}
			if v.FallbackRecommended != tt.recommend {
				t.Errorf("fallback recommended = %v, want %v", v.FallbackRecommended, tt.recommend)
			}
			if v.SwapType != tt.swapType {
				t.Errorf("swap type = %s, want %s", v.SwapType, tt.swapType)
			}
		})
	}
}

func TestVerdictHas(t *testing.T) {
	v := Classify(completed(c|e), Context{VsyncRequired: true})
	if !v.Has(CodeNotTearFree) {
		t.Error("expected CodeNotTearFree")
	}
	if v.Has(CodeNoZeroCopy) {
		t.Error("unexpected CodeNoZeroCopy")
	}
}
