package captions

import (
	"testing"
	"time"
)

func TestPTSTicks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 0},
		{time.Second, 90000},
		{40 * time.Millisecond, 3600},
	}
	for _, tt := range tests {
		if got := ptsTicks(tt.in); got != tt.want {
			t.Errorf("ptsTicks(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestExtractIgnoresNonCaptionSEI(t *testing.T) {
	t.Parallel()

	e := NewExtractor(nil)
	// SEI with a single recovery point message, no user data.
	sei := []byte{0x06, 0x06, 0x01, 0x84, 0x80}
	if frames := e.Extract(sei, 0); len(frames) != 0 {
		t.Fatalf("got %d frames from non-caption SEI", len(frames))
	}
	if e.Frames() != 0 {
		t.Errorf("frames = %d", e.Frames())
	}
}

func TestExtractShortInput(t *testing.T) {
	t.Parallel()

	e := NewExtractor(nil)
	for _, sei := range [][]byte{nil, {0x06}, {0x06, 0x04}} {
		_ = e.Extract(sei, time.Second) // must not panic
	}
}
