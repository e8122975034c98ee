package journal

import (
	"time"

	"mine-and-die/replication/internal/tick"
)

// Keyframe records one full snapshot handed to a client.
type Keyframe struct {
	Tick       tick.Tick
	Sequence   uint64
	Client     string
	Reason     string
	Entities   int
	Components int
	RecordedAt time.Time
}

type KeyframeEviction struct {
	Sequence uint64
	Tick     tick.Tick
	Reason   string
}

type KeyframeRecordResult struct {
	Size           int
	OldestSequence uint64
	NewestSequence uint64
	Evicted        []KeyframeEviction
}

// RecordKeyframe stores a keyframe in the ring enforcing retention limits by
// count and age.
func (j *Journal) RecordKeyframe(frame Keyframe) KeyframeRecordResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recordKeyframeLocked(frame)
}

func (j *Journal) recordKeyframeLocked(frame Keyframe) KeyframeRecordResult {
	maxFrames := j.cfg.KeyframeCapacity
	if maxFrames == 0 {
		j.keyframes = j.keyframes[:0]
		return KeyframeRecordResult{}
	}

	j.keyframeSeq++
	frame.Sequence = j.keyframeSeq
	if frame.RecordedAt.IsZero() {
		frame.RecordedAt = time.Now()
	}
	j.keyframes = append(j.keyframes, frame)

	evicted := make([]KeyframeEviction, 0)
	if j.cfg.KeyframeMaxAge > 0 {
		cutoff := frame.RecordedAt.Add(-j.cfg.KeyframeMaxAge)
		idx := 0
		for idx < len(j.keyframes) && j.keyframes[idx].RecordedAt.Before(cutoff) {
			evicted = append(evicted, KeyframeEviction{
				Sequence: j.keyframes[idx].Sequence,
				Tick:     j.keyframes[idx].Tick,
				Reason:   "expired",
			})
			idx++
		}
		if idx > 0 {
			copy(j.keyframes, j.keyframes[idx:])
			j.keyframes = j.keyframes[:len(j.keyframes)-idx]
		}
	}

	if len(j.keyframes) > maxFrames {
		overflow := len(j.keyframes) - maxFrames
		for _, old := range j.keyframes[:overflow] {
			evicted = append(evicted, KeyframeEviction{
				Sequence: old.Sequence,
				Tick:     old.Tick,
				Reason:   "count",
			})
		}
		copy(j.keyframes, j.keyframes[overflow:])
		j.keyframes = j.keyframes[:len(j.keyframes)-overflow]
	}

	size := len(j.keyframes)
	result := KeyframeRecordResult{Size: size, Evicted: evicted}
	if size > 0 {
		result.OldestSequence = j.keyframes[0].Sequence
		result.NewestSequence = j.keyframes[size-1].Sequence
	}
	return result
}

// Keyframes returns the ring contents in chronological order.
func (j *Journal) Keyframes() []Keyframe {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.keyframes) == 0 {
		return nil
	}
	frames := make([]Keyframe, len(j.keyframes))
	copy(frames, j.keyframes)
	return frames
}

// KeyframeBySequence returns the keyframe matching the provided sequence.
func (j *Journal) KeyframeBySequence(sequence uint64) (Keyframe, bool) {
	if sequence == 0 {
		return Keyframe{}, false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, frame := range j.keyframes {
		if frame.Sequence == sequence {
			return frame, true
		}
	}
	return Keyframe{}, false
}

// KeyframeWindow reports the current retention window.
func (j *Journal) KeyframeWindow() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = len(j.keyframes)
	if size == 0 {
		return size, 0, 0
	}
	return size, j.keyframes[0].Sequence, j.keyframes[size-1].Sequence
}
