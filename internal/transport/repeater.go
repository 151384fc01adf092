package transport

import (
	"log/slog"
	"time"
)

const (
	repeatInterval  = 20 * time.Millisecond
	maxAcceleration = 6.0
	accelerationInc = 0.1
	snapRepeatDelay = 500 * time.Millisecond
)

// buttonRepeater moves the transport while a rewind or fast-forward button
// is held, speeding up the longer it is held. All fields are guarded by the
// transport lock.
type buttonRepeater struct {
	t        *Transport
	forward  bool
	down     bool
	accel    float64
	lastSnap time.Time
	stop     chan struct{}
}

func (r *buttonRepeater) setDown(down bool) {
	if down == r.down {
		return
	}
	r.down = down

	if !down {
		close(r.stop)
		r.stop = nil
		return
	}

	r.accel = 0
	r.lastSnap = time.Time{}
	r.tick()

	r.stop = make(chan struct{})
	go r.run(r.stop)
}

func (r *buttonRepeater) run(stop <-chan struct{}) {
	ticker := time.NewTicker(repeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.t.mu.Lock()
			if r.down {
				r.tick()
			}
			r.t.unlock()
		}
	}
}

func (r *buttonRepeater) tick() {
	t := r.t
	// Holding both buttons fast-forwards.
	if !r.forward && t.ffwd.down {
		return
	}

	t.syncPositionLocked()
	t.section = nil

	var err error
	if t.opts.SnapRepeat && t.opts.Snap.IsValid() {
		now := t.now()
		if !r.lastSnap.IsZero() && now.Sub(r.lastSnap) < snapRepeatDelay {
			return
		}
		r.lastSnap = now

		pos := t.opts.Snap.Previous(t.position, t.seq)
		if r.forward {
			pos = t.opts.Snap.Next(t.position, t.seq)
		}
		err = t.setPositionLocked(pos, SnapNone)
	} else {
		r.accel = min(r.accel+accelerationInc, maxAcceleration)
		units := r.accel
		if !r.forward {
			units = -units
		}
		err = t.scrubLocked(units)
	}

	if err != nil {
		slog.Warn("Failed to move transport", "forward", r.forward, "error", err)
	}
}
