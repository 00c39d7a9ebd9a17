// ABOUTME: Tests for shared backend helpers
// ABOUTME: Frame count scheduling under divisor/remainder constraints
package backend

import "testing"

func TestNextFrame(t *testing.T) {
	tests := []struct {
		name                                string
		current, target, divisor, remainder uint64
		want                                uint64
	}{
		{"asap", 10, 0, 0, 0, 11},
		{"future target", 10, 15, 0, 0, 15},
		{"past target", 10, 5, 0, 0, 11},
		{"even", 10, 0, 2, 0, 12},
		{"odd", 10, 0, 2, 1, 11},
		{"modulus already met", 10, 12, 4, 0, 12},
		{"modulus wraps", 10, 14, 4, 1, 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextFrame(tt.current, tt.target, tt.divisor, tt.remainder)
			if got != tt.want {
				t.Errorf("NextFrame = %d, want %d", got, tt.want)
			}
			if tt.divisor > 0 && got%tt.divisor != tt.remainder {
				t.Errorf("frame %d violates %d %% %d", got, tt.remainder, tt.divisor)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	if LegacyPoll.String() != "legacy-poll" || PushFeedback.String() != "push-feedback" {
		t.Error("unexpected kind names")
	}
}
