package graph

import "testing"

// workerScratch returns the scratch a stopped worker would render with next.
func workerScratch(w *poolWorker) *mixScratch {
	if s := w.next.Load(); s != nil {
		return s
	}
	return w.scratch
}

func TestPool_PrepareSizesWorkerScratch(t *testing.T) {
	p := NewPool(2)
	workers := p.workers

	m := NewMixerNode(p, false)
	m.Prepare(PlayInfo{SampleRate: 48000, BlockSize: 256, NumChannels: 2})

	// a smaller mixer sharing the pool must not shrink it
	NewMixerNode(p, false).Prepare(PlayInfo{SampleRate: 48000, BlockSize: 64, NumChannels: 1})
	p.Close()

	for i, w := range workers {
		s := workerScratch(w)
		if s.audio.NumChannels() != 2 {
			t.Errorf("Worker %d: expected 2 scratch channels, got %d", i, s.audio.NumChannels())
		}
		if s.audio.NumSamples() != 256 {
			t.Errorf("Worker %d: expected 256 scratch samples, got %d", i, s.audio.NumSamples())
		}
		if cap(s.midi.Events) == 0 {
			t.Errorf("Worker %d: expected preallocated MIDI events", i)
		}
	}
}

func TestPool_NewWorkersStartWithReservedScratch(t *testing.T) {
	p := NewPool(1)
	p.reserve(6, 512)
	p.SetNumThreads(3)
	workers := p.workers
	p.Close()

	if len(workers) != 3 {
		t.Fatalf("Expected 3 workers, got %d", len(workers))
	}
	for i, w := range workers {
		s := workerScratch(w)
		if s.audio.NumChannels() != 6 || s.audio.NumSamples() != 512 {
			t.Errorf("Worker %d: expected 6x512 scratch, got %dx%d",
				i, s.audio.NumChannels(), s.audio.NumSamples())
		}
	}
}
