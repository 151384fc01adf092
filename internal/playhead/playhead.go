// Package playhead converts the monotonically increasing reference sample
// clock of the audio device into a timeline position, handling play/stop,
// looping, rolling into a loop and scrubbing.
//
// A PlayHead is written from the control goroutines and read from the
// audio thread. All state is held in atomics or sequence-locked pairs so
// that neither side ever blocks on the other.
package playhead

import (
	"sync/atomic"
	"time"
)

// MinLoopLength is the shortest loop range, in samples, that will be honoured.
const MinLoopLength = 50

// DefaultScrubbingBlockLength is the length of the small looped block played
// while the user drags the position.
const DefaultScrubbingBlockLength = int64(0.08 * 44100.0)

// PlayHead maps a reference sample range onto the timeline.
type PlayHead struct {
	referenceRange seqPair // [start, end) of the current reference block
	syncPositions  seqPair // referenceSyncPosition, playoutSyncPosition
	playRange      seqPair // timeline play/loop range

	speed        atomic.Int64
	looping      atomic.Bool
	rollInToLoop atomic.Bool
	userDragging atomic.Bool

	scrubbingBlockLength atomic.Int64
	userInteractionTime  atomic.Int64
}

// New returns a stopped PlayHead positioned at zero.
func New() *PlayHead {
	ph := &PlayHead{}
	ph.scrubbingBlockLength.Store(DefaultScrubbingBlockLength)
	return ph
}

// SetPosition moves the playhead, logging a user interaction if it changed.
func (ph *PlayHead) SetPosition(newPosition int64) {
	if newPosition != ph.Position() {
		ph.userInteraction()
	}
	ph.OverridePosition(newPosition)
}

// Play starts playback of rangeToPlay, looping it if looped is set and the
// range is long enough.
func (ph *PlayHead) PlayRange(rangeToPlay SampleRange, looped bool) {
	ph.playRange.storeRange(rangeToPlay)
	ph.looping.Store(looped && rangeToPlay.Length() > MinLoopLength)
	ph.SetPosition(rangeToPlay.Start)
	ph.speed.Store(1)
}

// Play resumes playback from the current position.
func (ph *PlayHead) Play() {
	ph.SetPosition(ph.Position())
	ph.speed.Store(1)
}

// PlaySyncedToRange plays rangeToPlay with the reference clock aligned to zero.
func (ph *PlayHead) PlaySyncedToRange(rangeToPlay SampleRange) {
	ph.PlayRange(rangeToPlay, false)
	ph.syncPositions.store(0, 0)
}

// Stop halts playback, leaving the position where it was.
func (ph *PlayHead) Stop() {
	t := ph.Position()
	ph.speed.Store(0)
	ph.SetPosition(t)
}

// Position returns the timeline position at the start of the current block.
func (ph *PlayHead) Position() int64 {
	return ph.ReferenceToTimeline(ph.referenceRange.loadRange().Start)
}

// UnloopedPosition returns the position ignoring any loop range.
func (ph *PlayHead) UnloopedPosition() int64 {
	return ph.ReferenceToTimelineUnlooped(ph.referenceRange.loadRange().Start)
}

// OverridePosition moves the playhead without logging a user interaction.
func (ph *PlayHead) OverridePosition(newPosition int64) {
	pr := ph.playRange.loadRange()
	if ph.looping.Load() && ph.rollInToLoop.Load() {
		newPosition = min(newPosition, pr.End)
	} else if ph.looping.Load() {
		newPosition = pr.Clip(newPosition)
	}

	ph.syncPositions.store(ph.referenceRange.loadRange().Start, newPosition)
}

func (ph *PlayHead) IsPlaying() bool         { return ph.speed.Load() != 0 }
func (ph *PlayHead) IsStopped() bool         { return ph.speed.Load() == 0 }
func (ph *PlayHead) IsLooping() bool         { return ph.looping.Load() }
func (ph *PlayHead) IsRollingIntoLoop() bool { return ph.rollInToLoop.Load() }
func (ph *PlayHead) LoopRange() SampleRange  { return ph.playRange.loadRange() }

// SetLoopRange changes the looping state, keeping the current position.
func (ph *PlayHead) SetLoopRange(loop bool, loopRange SampleRange) {
	if ph.looping.Load() != loop || (loop && loopRange != ph.LoopRange()) {
		lastPos := ph.Position()
		ph.looping.Store(loop && loopRange.Length() > MinLoopLength)
		ph.playRange.storeRange(loopRange)
		ph.SetPosition(lastPos)
	}
}

// SetRollInToLoop plays linearly from position until the loop start is
// reached, after which the loop range is honoured.
func (ph *PlayHead) SetRollInToLoop(position int64) {
	ph.rollInToLoop.Store(true)
	ph.syncPositions.store(ph.referenceRange.loadRange().Start, min(position, ph.playRange.loadRange().End))
}

// SetUserIsDragging enables or disables scrubbing mode.
func (ph *PlayHead) SetUserIsDragging(b bool) {
	ph.userInteraction()
	ph.userDragging.Store(b)
}

func (ph *PlayHead) IsUserDragging() bool { return ph.userDragging.Load() }

// LastUserInteractionTime returns when the position was last changed by the user.
func (ph *PlayHead) LastUserInteractionTime() time.Time {
	return time.Unix(0, ph.userInteractionTime.Load())
}

func (ph *PlayHead) SetScrubbingBlockLength(numSamples int64) {
	if numSamples > 0 {
		ph.scrubbingBlockLength.Store(numSamples)
	}
}

func (ph *PlayHead) ScrubbingBlockLength() int64 { return ph.scrubbingBlockLength.Load() }

// ReferenceToTimeline converts a reference sample position into a timeline
// position, taking scrubbing and looping into account.
func (ph *PlayHead) ReferenceToTimeline(referencePosition int64) int64 {
	refSync, playoutSync := ph.syncPositions.load()

	if ph.userDragging.Load() {
		return playoutSync + floorMod(referencePosition-refSync, ph.ScrubbingBlockLength())
	}

	if ph.looping.Load() && !ph.rollInToLoop.Load() {
		return LinearToLoopPosition(ph.ReferenceToTimelineUnlooped(referencePosition), ph.playRange.loadRange())
	}

	return ph.ReferenceToTimelineUnlooped(referencePosition)
}

// ReferenceToTimelineUnlooped converts a reference position ignoring loops.
func (ph *PlayHead) ReferenceToTimelineUnlooped(referencePosition int64) int64 {
	refSync, playoutSync := ph.syncPositions.load()
	return playoutSync + (referencePosition-refSync)*ph.speed.Load()
}

// ReferenceRangeToSourceRangeUnlooped converts a reference range ignoring loops.
func (ph *PlayHead) ReferenceRangeToSourceRangeUnlooped(r SampleRange) SampleRange {
	refSync, playoutSync := ph.syncPositions.load()
	speed := ph.speed.Load()
	return SampleRange{
		Start: playoutSync + (r.Start-refSync)*speed,
		End:   playoutSync + (r.End-refSync)*speed,
	}
}

// SetReferenceSampleRange is called by the audio thread at the start of
// every block with the reference range about to be rendered.
func (ph *PlayHead) SetReferenceSampleRange(r SampleRange) {
	ph.referenceRange.storeRange(r)

	if ph.rollInToLoop.Load() && ph.Position() >= ph.playRange.loadRange().Start {
		ph.rollInToLoop.Store(false)
	}
}

func (ph *PlayHead) ReferenceSampleRange() SampleRange { return ph.referenceRange.loadRange() }

// PlayoutSyncPosition returns the timeline position the last sync was taken at.
func (ph *PlayHead) PlayoutSyncPosition() int64 {
	_, playoutSync := ph.syncPositions.load()
	return playoutSync
}

// SplitTimelineRange converts a reference range into one or two contiguous
// timeline ranges. A split happens when the range wraps around the loop
// end, or around the scrubbing block while the user is dragging.
func (ph *PlayHead) SplitTimelineRange(referenceRange SampleRange) SplitRange {
	unlooped := ph.ReferenceRangeToSourceRangeUnlooped(referenceRange)
	s, e := unlooped.Start, unlooped.End

	if ph.IsUserDragging() {
		loopStart := ph.PlayoutSyncPosition()
		scrub := RangeWithLength(loopStart, ph.ScrubbingBlockLength())
		s = LinearToLoopPosition(s, scrub)
		e = LinearToLoopPosition(e, scrub)

		if s > e {
			return wrapSplit(s, e, scrub)
		}
	}

	if ph.IsLooping() && !ph.IsRollingIntoLoop() {
		pr := ph.LoopRange()
		s = LinearToLoopPosition(s, pr)
		e = LinearToLoopPosition(e, pr)

		if s > e {
			return wrapSplit(s, e, pr)
		}
	}

	return SplitRange{First: SampleRange{Start: s, End: e}}
}

func wrapSplit(s, e int64, loop SampleRange) SplitRange {
	if s >= loop.End {
		return SplitRange{First: SampleRange{Start: loop.Start, End: e}}
	}
	if e <= loop.Start {
		return SplitRange{First: SampleRange{Start: s, End: loop.End}}
	}
	return SplitRange{
		First:   SampleRange{Start: s, End: loop.End},
		Second:  SampleRange{Start: loop.Start, End: e},
		IsSplit: true,
	}
}

// LinearToLoopPosition wraps position into loopRange.
func LinearToLoopPosition(position int64, loopRange SampleRange) int64 {
	if loopRange.Length() <= 0 {
		return position
	}
	return loopRange.Start + floorMod(position-loopRange.Start, loopRange.Length())
}

func (ph *PlayHead) userInteraction() {
	ph.userInteractionTime.Store(time.Now().UnixNano())
}

func floorMod(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
