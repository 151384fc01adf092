package playhead

import (
	"runtime"
	"sync/atomic"
)

// seqPair holds two int64 values that are always read as a consistent pair.
// Writers take the sequence to an odd value for the duration of the two
// stores; readers retry while a write is in flight or the sequence moved.
// Neither side allocates or blocks on a lock, so it is safe on the audio thread.
type seqPair struct {
	seq atomic.Uint64
	a   atomic.Int64
	b   atomic.Int64
}

func (p *seqPair) store(a, b int64) {
	for {
		s := p.seq.Load()
		if s&1 == 0 && p.seq.CompareAndSwap(s, s+1) {
			break
		}
		runtime.Gosched()
	}
	p.a.Store(a)
	p.b.Store(b)
	p.seq.Add(1)
}

func (p *seqPair) load() (int64, int64) {
	for {
		s1 := p.seq.Load()
		if s1&1 != 0 {
			runtime.Gosched()
			continue
		}
		a := p.a.Load()
		b := p.b.Load()
		if p.seq.Load() == s1 {
			return a, b
		}
	}
}

func (p *seqPair) loadRange() SampleRange {
	a, b := p.load()
	return SampleRange{Start: a, End: b}
}

func (p *seqPair) storeRange(r SampleRange) {
	p.store(r.Start, r.End)
}
