package playhead

import (
	"sync"
	"testing"
)

func advance(ph *PlayHead, ref *int64, n int64) SampleRange {
	r := RangeWithLength(*ref, n)
	ph.SetReferenceSampleRange(r)
	*ref += n
	return r
}

func TestPlayHead_StoppedDoesNotMove(t *testing.T) {
	ph := New()
	ph.SetPosition(1000)

	var ref int64
	for i := 0; i < 10; i++ {
		advance(ph, &ref, 512)
	}

	if got := ph.Position(); got != 1000 {
		t.Errorf("Expected stopped position 1000, got %d", got)
	}
}

func TestPlayHead_PlayAdvancesWithReference(t *testing.T) {
	ph := New()
	var ref int64
	advance(ph, &ref, 512)

	ph.SetPosition(0)
	ph.Play()

	for i := 0; i < 4; i++ {
		advance(ph, &ref, 512)
	}

	if got := ph.Position(); got != 4*512 {
		t.Errorf("Expected position %d, got %d", 4*512, got)
	}

	ph.Stop()
	advance(ph, &ref, 512)
	if got := ph.Position(); got != 4*512 {
		t.Errorf("Expected position to hold at %d after stop, got %d", 4*512, got)
	}
}

func TestPlayHead_LoopWrapsAndSplits(t *testing.T) {
	ph := New()
	var ref int64
	advance(ph, &ref, 0)

	loop := SampleRange{Start: 1000, End: 2000}
	ph.PlayRange(loop, true)

	if !ph.IsLooping() {
		t.Fatal("Expected playhead to be looping")
	}

	// Move to 100 samples before the loop end.
	ph.SetPosition(1900)
	r := advance(ph, &ref, 0)
	_ = r

	split := ph.SplitTimelineRange(RangeWithLength(ref, 256))
	if !split.IsSplit {
		t.Fatalf("Expected split range, got %+v", split)
	}
	if split.First != (SampleRange{Start: 1900, End: 2000}) {
		t.Errorf("Unexpected first range %+v", split.First)
	}
	if split.Second != (SampleRange{Start: 1000, End: 1156}) {
		t.Errorf("Unexpected second range %+v", split.Second)
	}
	if split.Length() != 256 {
		t.Errorf("Expected split length 256, got %d", split.Length())
	}
}

func TestPlayHead_RangeEndingOnLoopEndIsNotSplit(t *testing.T) {
	ph := New()
	ph.PlayRange(SampleRange{Start: 0, End: 1024}, true)
	ph.SetPosition(512)

	split := ph.SplitTimelineRange(RangeWithLength(0, 512))
	if split.IsSplit {
		t.Fatalf("Expected no split, got %+v", split)
	}
	if split.First != (SampleRange{Start: 512, End: 1024}) {
		t.Errorf("Unexpected range %+v", split.First)
	}
}

func TestPlayHead_ShortLoopIgnored(t *testing.T) {
	ph := New()
	ph.PlayRange(SampleRange{Start: 0, End: MinLoopLength}, true)
	if ph.IsLooping() {
		t.Error("Expected loop shorter than the minimum to be ignored")
	}
}

func TestPlayHead_PositionClampedToLoop(t *testing.T) {
	ph := New()
	ph.PlayRange(SampleRange{Start: 1000, End: 2000}, true)

	// Clamping to the loop end lands on the wrap point, which is the loop start.
	ph.SetPosition(5000)
	if got := ph.PlayoutSyncPosition(); got != 2000 {
		t.Errorf("Expected sync position clamped to loop end 2000, got %d", got)
	}
	if got := ph.Position(); got != 1000 {
		t.Errorf("Expected wrapped position 1000, got %d", got)
	}

	ph.SetPosition(10)
	if got := ph.Position(); got != 1000 {
		t.Errorf("Expected position clamped to loop start 1000, got %d", got)
	}
}

func TestPlayHead_RollInToLoop(t *testing.T) {
	ph := New()
	var ref int64
	ph.PlayRange(SampleRange{Start: 1000, End: 2000}, true)
	ph.SetRollInToLoop(0)

	if !ph.IsRollingIntoLoop() {
		t.Fatal("Expected roll-in to be active")
	}

	for ph.IsRollingIntoLoop() {
		advance(ph, &ref, 100)
		if ref > 5000 {
			t.Fatal("Roll-in never finished")
		}
	}

	if got := ph.Position(); got < 1000 || got >= 2000 {
		t.Errorf("Expected position inside loop after roll-in, got %d", got)
	}
}

func TestPlayHead_ScrubbingLoopsShortBlock(t *testing.T) {
	ph := New()
	ph.SetScrubbingBlockLength(100)
	var ref int64
	advance(ph, &ref, 0)
	ph.SetPosition(5000)
	ph.Play()
	ph.SetUserIsDragging(true)

	split := ph.SplitTimelineRange(RangeWithLength(ref+80, 50))
	if !split.IsSplit {
		t.Fatalf("Expected scrub block to wrap, got %+v", split)
	}
	if split.First != (SampleRange{Start: 5080, End: 5100}) || split.Second != (SampleRange{Start: 5000, End: 5030}) {
		t.Errorf("Unexpected scrub split %+v", split)
	}
}

func TestLinearToLoopPosition(t *testing.T) {
	loop := SampleRange{Start: 100, End: 200}
	tests := []struct {
		in, want int64
	}{
		{100, 100},
		{150, 150},
		{200, 100},
		{250, 150},
		{99, 199},
	}

	for _, tt := range tests {
		if got := LinearToLoopPosition(tt.in, loop); got != tt.want {
			t.Errorf("LinearToLoopPosition(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSeqPair_ConsistentUnderConcurrentWrites(t *testing.T) {
	var p seqPair
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			p.store(i, -i)
		}
	}()

	for i := 0; i < 100000; i++ {
		a, b := p.load()
		if a != -b {
			t.Fatalf("Torn read: %d, %d", a, b)
		}
	}

	close(stop)
	wg.Wait()
}
