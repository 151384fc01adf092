package playhead

import "math"

// SampleRange is a half-open range of sample positions [Start, End).
type SampleRange struct {
	Start int64
	End   int64
}

// RangeWithLength returns a range starting at start that is length samples long.
func RangeWithLength(start, length int64) SampleRange {
	return SampleRange{Start: start, End: start + length}
}

func (r SampleRange) Length() int64 { return r.End - r.Start }
func (r SampleRange) IsEmpty() bool { return r.End <= r.Start }

func (r SampleRange) Contains(pos int64) bool {
	return pos >= r.Start && pos < r.End
}

// Intersects reports whether the two ranges share at least one sample.
func (r SampleRange) Intersects(o SampleRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Intersection returns the overlapping part of the two ranges, or an empty range.
func (r SampleRange) Intersection(o SampleRange) SampleRange {
	s := max(r.Start, o.Start)
	e := min(r.End, o.End)
	if e < s {
		e = s
	}
	return SampleRange{Start: s, End: e}
}

// Clip limits pos to lie within the range.
func (r SampleRange) Clip(pos int64) int64 {
	if pos < r.Start {
		return r.Start
	}
	if pos > r.End {
		return r.End
	}
	return pos
}

// SplitRange is a timeline range that may wrap around a loop boundary.
type SplitRange struct {
	First   SampleRange
	Second  SampleRange
	IsSplit bool
}

// Length returns the combined timeline length of both parts.
func (s SplitRange) Length() int64 {
	if s.IsSplit {
		return s.First.Length() + s.Second.Length()
	}
	return s.First.Length()
}

// SampleToTime converts a sample position to seconds.
func SampleToTime(sample int64, sampleRate float64) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(sample) / sampleRate
}

// TimeToSample converts seconds to the nearest sample position.
func TimeToSample(seconds, sampleRate float64) int64 {
	return int64(math.Round(seconds * sampleRate))
}

// TimeRangeToSamples converts a range in seconds to samples.
func TimeRangeToSamples(start, end, sampleRate float64) SampleRange {
	return SampleRange{Start: TimeToSample(start, sampleRate), End: TimeToSample(end, sampleRate)}
}
