package transport

import (
	"testing"

	"github.com/audiolibrelab/jamengine/internal/tempo"
)

func TestParseSnapType(t *testing.T) {
	tests := []struct {
		in      string
		want    SnapType
		wantErr bool
	}{
		{in: "beats", want: SnapType{Kind: SnapBeats, Interval: 1, FPS: 25}},
		{in: "bars:2", want: SnapType{Kind: SnapBars, Interval: 2, FPS: 25}},
		{in: "seconds:0.5", want: SnapType{Kind: SnapSeconds, Interval: 0.5, FPS: 25}},
		{in: "frames:1", want: SnapType{Kind: SnapFrames, Interval: 1, FPS: 25}},
		{in: "beats:0", wantErr: true},
		{in: "ticks", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseSnapType(tt.in, 25)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: expected %+v, got %+v", tt.in, tt.want, got)
		}
	}
}

func TestSnapType_NextAndPrevious(t *testing.T) {
	seq := tempo.NewSequence(120, 4, 4)
	bars := SnapType{Kind: SnapBars, Interval: 1}

	if got := bars.Next(2, seq); got != 4 {
		t.Errorf("Expected next bar at 4, got %f", got)
	}
	if got := bars.Next(2.5, seq); got != 4 {
		t.Errorf("Expected next bar at 4, got %f", got)
	}
	if got := bars.Previous(2, seq); got != 0 {
		t.Errorf("Expected previous bar at 0, got %f", got)
	}
	if got := bars.Previous(2.5, seq); got != 2 {
		t.Errorf("Expected previous bar at 2, got %f", got)
	}

	frames := SnapType{Kind: SnapFrames, Interval: 1, FPS: 25}
	if got := frames.Round(0.05, SnapNearest, seq); got != 0.04 {
		t.Errorf("Expected nearest frame 0.04, got %f", got)
	}
	if frames.Round(0.05, SnapNone, seq) != 0.05 {
		t.Error("Expected SnapNone to leave the position alone")
	}
}
