// Package align merges N independently-sampled streams into one globally
// time-ordered sequence.
//
// Each stream yields samples in non-decreasing logical-time order; that is a
// documented precondition, not a checked one, to keep the stepping hot path
// free of guards. Across streams, equal logical times are broken by stream
// priority (the insertion index), so replay order is deterministic for the
// same stream set and insertion order.
package align

import (
	"errors"
	"fmt"
	"sort"

	"github.com/robolog-io/robolog/pkg/sensorlog"
)

// Stream is the aligner's view of one data stream. *stream.Stream satisfies
// it; the first Len/LogicalAt call may open the backing file.
type Stream interface {
	Len() (int, error)
	LogicalAt(i int) (sensorlog.Timestamp, error)
	IntervalLogical() (start, end sensorlog.Timestamp, ok bool)
}

// ErrEndOfStream is returned by Step when every active stream is exhausted.
var ErrEndOfStream = errors.New("align: end of stream")

// State describes the global cursor.
type State int

const (
	NotStarted State = iota
	Positioned
	AtEnd
)

// StepResult identifies the sample most recently returned: the stream's
// index in the aligner, the sample's index within that stream's current
// view, and its logical time.
type StepResult struct {
	Stream int
	Sample int
	Time   sensorlog.Timestamp
}

// Aligner is the k-way merge engine. It is not safe for concurrent use.
type Aligner struct {
	streams []Stream
	cursors []int

	state State
	cur   StepResult

	prev      StepResult
	prevState State
	hasPrev   bool
}

func New(streams ...Stream) (*Aligner, error) {
	a := &Aligner{}
	if _, err := a.AddStreams(streams...); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Aligner) State() State { return a.state }

// Current returns the most recently returned sample. ok is false before the
// first step.
func (a *Aligner) Current() (StepResult, bool) {
	if a.state == NotStarted {
		return StepResult{}, false
	}
	return a.cur, true
}

// Streams returns the active streams in priority order.
func (a *Aligner) Streams() []Stream { return a.streams }

// StreamAt returns the stream with the given priority index.
func (a *Aligner) StreamAt(i int) Stream { return a.streams[i] }

// IndexOf returns the priority index of s, or -1.
func (a *Aligner) IndexOf(s Stream) int {
	for i, have := range a.streams {
		if have == s {
			return i
		}
	}
	return -1
}

// Step returns the globally next sample: among all streams' next unread
// samples, the one with the smallest logical time, ties broken by the
// lowest stream index. Returns ErrEndOfStream when everything is exhausted.
func (a *Aligner) Step() (StepResult, error) {
	best := -1
	var bestT sensorlog.Timestamp
	for i, s := range a.streams {
		n, err := s.Len()
		if err != nil {
			return StepResult{}, err
		}
		if a.cursors[i] >= n {
			continue
		}
		t, err := s.LogicalAt(a.cursors[i])
		if err != nil {
			return StepResult{}, err
		}
		if best == -1 || t < bestT {
			best, bestT = i, t
		}
	}
	if best == -1 {
		// Only a dispatched sample moves the state machine off NotStarted.
		// Stepping an empty or never-stepped aligner stays a no-op, so a
		// later AddStreams does not fast-forward past samples that were
		// never delivered.
		if a.state != NotStarted {
			a.state = AtEnd
		}
		return StepResult{}, ErrEndOfStream
	}

	a.prev, a.prevState, a.hasPrev = a.cur, a.state, true
	a.cursors[best]++
	a.cur = StepResult{Stream: best, Sample: a.cursors[best] - 1, Time: bestT}
	a.state = Positioned
	return a.cur, nil
}

// StepBack un-advances the most recent Step, so the next Step returns the
// same sample again. Calling it twice without an intervening Step, or after
// a structural change, is a caller error.
func (a *Aligner) StepBack() (StepResult, error) {
	if !a.hasPrev {
		return StepResult{}, errors.New("align: nothing to step back")
	}
	if a.cur.Stream < 0 || a.cur.Stream >= len(a.cursors) {
		return StepResult{}, fmt.Errorf("align: cannot step back over removed stream %d", a.cur.Stream)
	}
	a.cursors[a.cur.Stream]--
	a.cur, a.state = a.prev, a.prevState
	a.hasPrev = false
	return a.cur, nil
}

// AddStreams appends streams at the end of the priority order. When the
// aligner is positioned, each new stream's cursor is advanced past every
// sample earlier than the current position, so already-delivered order is
// never violated; the returned flag tells the caller that the stream set
// changed mid-sequence and any derived bookkeeping (intervals, current
// time) should be refreshed.
func (a *Aligner) AddStreams(streams ...Stream) (bool, error) {
	for _, s := range streams {
		cursor := 0
		if a.state != NotStarted {
			c, err := lowerBound(s, a.cur.Time)
			if err != nil {
				return false, err
			}
			cursor = c
		}
		a.streams = append(a.streams, s)
		a.cursors = append(a.cursors, cursor)
	}
	a.hasPrev = false
	if a.state == AtEnd && len(streams) > 0 {
		// New samples may exist past the old end.
		a.state = Positioned
	}
	return a.state == Positioned, nil
}

// RemoveStreams removes streams from the merge. Cursors of unaffected
// streams are untouched, so nothing is skipped or re-delivered. When the
// removed stream held the current position the position degrades to
// time-only: the logical time is kept for ordering but StepBack becomes
// unavailable until the next Step.
func (a *Aligner) RemoveStreams(streams ...Stream) (bool, error) {
	for _, s := range streams {
		idx := a.IndexOf(s)
		if idx < 0 {
			return false, fmt.Errorf("align: stream not active")
		}
		a.streams = append(a.streams[:idx], a.streams[idx+1:]...)
		a.cursors = append(a.cursors[:idx], a.cursors[idx+1:]...)
		switch {
		case a.cur.Stream == idx:
			a.cur.Stream = -1
		case a.cur.Stream > idx:
			a.cur.Stream--
		}
	}
	a.hasPrev = false
	return a.state == Positioned, nil
}

// Reset rewinds every cursor to the start.
func (a *Aligner) Reset() {
	for i := range a.cursors {
		a.cursors[i] = 0
	}
	a.state = NotStarted
	a.cur = StepResult{}
	a.hasPrev = false
}

// SeekTime repositions to the first sample with logical time at or after t
// and returns it; the next Step returns the following sample. Seeking
// backwards rewinds to the start first.
func (a *Aligner) SeekTime(t sensorlog.Timestamp) (StepResult, error) {
	if a.state == AtEnd || (a.state == Positioned && a.cur.Time >= t) {
		a.Reset()
	}
	for {
		res, err := a.Step()
		if err != nil {
			return StepResult{}, err
		}
		if res.Time >= t {
			return res, nil
		}
	}
}

// SeekSample repositions to the n-th sample (0-based) of the global
// sequence and returns it.
func (a *Aligner) SeekSample(n int) (StepResult, error) {
	if n < 0 {
		return StepResult{}, fmt.Errorf("align: negative sample index %d", n)
	}
	a.Reset()
	var res StepResult
	var err error
	for i := 0; i <= n; i++ {
		res, err = a.Step()
		if err != nil {
			return StepResult{}, err
		}
	}
	return res, nil
}

// IntervalLogical returns the union of all active streams' logical
// intervals. ok is false when no stream has samples.
func (a *Aligner) IntervalLogical() (start, end sensorlog.Timestamp, ok bool) {
	for _, s := range a.streams {
		st, en, has := s.IntervalLogical()
		if !has {
			continue
		}
		if !ok || st < start {
			start = st
		}
		if !ok || en > end {
			end = en
		}
		ok = true
	}
	return start, end, ok
}

// lowerBound finds the first sample of s with logical time >= t.
func lowerBound(s Stream, t sensorlog.Timestamp) (int, error) {
	n, err := s.Len()
	if err != nil {
		return 0, err
	}
	var serr error
	idx := sort.Search(n, func(i int) bool {
		if serr != nil {
			return true
		}
		v, err := s.LogicalAt(i)
		if err != nil {
			serr = err
			return true
		}
		return v >= t
	})
	if serr != nil {
		return 0, serr
	}
	return idx, nil
}
