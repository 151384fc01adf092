package graph

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// poolIdleWait bounds how long an idle worker sleeps before rechecking for
// work or shutdown.
const poolIdleWait = time.Second

// Pool is a fixed set of worker goroutines that help MixerNodes render
// their inputs in parallel. One Pool is shared by every context playing in
// the process. Its lock only guards the list of pending operations and is
// never held while rendering.
type Pool struct {
	mu  sync.Mutex
	ops []*mixOperation

	workers []*poolWorker
	wg      sync.WaitGroup

	numThreads atomic.Int32

	// largest block any mixer sharing the pool has prepared for
	scratchChannels int
	scratchSamples  int
}

type poolWorker struct {
	notify  chan struct{}
	quit    chan struct{}
	scratch *mixScratch

	// next is a larger scratch handed over by reserve, swapped in before
	// the worker claims its next operation.
	next atomic.Pointer[mixScratch]
}

func newMixScratch(channels, samples int) *mixScratch {
	s := &mixScratch{}
	s.audio.SetSize(channels, samples)
	s.midi.Events = make([]MidiEvent, 0, 64)
	return s
}

// NewPool starts a pool with numThreads workers. Zero workers is valid and
// makes every mixer render its inputs on the calling goroutine.
func NewPool(numThreads int) *Pool {
	p := &Pool{}
	p.SetNumThreads(numThreads)
	return p
}

// DefaultNumThreads returns one worker per core, leaving one core for the
// device callback.
func DefaultNumThreads() int {
	return max(runtime.NumCPU()-1, 0)
}

// NumThreads returns the number of worker goroutines.
func (p *Pool) NumThreads() int {
	if p == nil {
		return 0
	}
	return int(p.numThreads.Load())
}

// SetNumThreads stops the current workers and starts num new ones.
func (p *Pool) SetNumThreads(num int) {
	num = max(num, 0)
	if len(p.workers) == num && p.NumThreads() == num {
		return
	}

	p.stopWorkers()

	p.mu.Lock()
	p.workers = make([]*poolWorker, num)
	for i := range p.workers {
		w := &poolWorker{
			notify:  make(chan struct{}, 1),
			quit:    make(chan struct{}),
			scratch: newMixScratch(p.scratchChannels, p.scratchSamples),
		}
		p.workers[i] = w
		p.wg.Add(1)
		go p.run(w)
	}
	p.numThreads.Store(int32(num))
	p.mu.Unlock()

	slog.Debug("Mixer pool started", "threads", num)
}

// Close stops every worker and waits for them to exit.
func (p *Pool) Close() {
	p.stopWorkers()
}

func (p *Pool) stopWorkers() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.numThreads.Store(0)
	p.mu.Unlock()

	for _, w := range workers {
		close(w.quit)
	}
	p.wg.Wait()
}

// reserve makes sure every worker has scratch for blocks of the given
// size, so no worker allocates while rendering. The buffers are allocated on
// the caller and picked up by each worker between operations.
func (p *Pool) reserve(channels, samples int) {
	if p == nil {
		return
	}

	p.mu.Lock()
	if channels <= p.scratchChannels && samples <= p.scratchSamples {
		p.mu.Unlock()
		return
	}
	p.scratchChannels = max(p.scratchChannels, channels)
	p.scratchSamples = max(p.scratchSamples, samples)
	channels, samples = p.scratchChannels, p.scratchSamples
	workers := p.workers
	p.mu.Unlock()

	for _, w := range workers {
		w.next.Store(newMixScratch(channels, samples))
	}
}

func (p *Pool) add(op *mixOperation) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	workers := p.workers
	p.mu.Unlock()

	for _, w := range workers {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (p *Pool) remove(op *mixOperation) {
	p.mu.Lock()
	for i, o := range p.ops {
		if o == op {
			last := len(p.ops) - 1
			p.ops[i] = p.ops[last]
			p.ops[last] = nil
			p.ops = p.ops[:last]
			break
		}
	}
	p.mu.Unlock()

	// Workers that picked the operation up before it was removed may still
	// be between popping and finding the cursor exhausted.
	for op.active.Load() != 0 {
		runtime.Gosched()
	}
}

// claim finds an operation with work left, registering the caller as an
// active helper so the operation is not reused underneath it.
func (p *Pool) claim() *mixOperation {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, op := range p.ops {
		if op.next.Load() > 0 {
			op.active.Add(1)
			return op
		}
	}
	return nil
}

func (p *Pool) run(w *poolWorker) {
	defer p.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	raiseThreadPriority()

	idle := time.NewTimer(poolIdleWait)
	defer idle.Stop()

	for {
		if s := w.next.Swap(nil); s != nil {
			w.scratch = s
		}
		if op := p.claim(); op != nil {
			for n := op.popNext(); n != nil; n = op.popNext() {
				op.process(n, w.scratch)
			}
			op.active.Add(-1)
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(poolIdleWait)

		select {
		case <-w.quit:
			return
		case <-w.notify:
		case <-idle.C:
		}
	}
}
