// Package replay drives a stream aligner and fans delivered samples out to
// registered consumers.
//
// The manager is single-threaded and cooperative: an external scheduler
// polls Tick for real-time playback, or calls Step/Drain for eager
// draining. The only blocking operation in the package is the bounded
// pacing sleep inside Tick.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robolog-io/robolog/pkg/align"
	"github.com/robolog-io/robolog/pkg/sensorlog"
)

// Source is a stream the manager can replay: the aligner's view plus
// payload access and a name for logging.
type Source interface {
	align.Stream
	SampleAt(i int) (sensorlog.Record, error)
	Name() string
}

// Consumer receives samples of the streams it registered for. Delivery is
// at most once per sample: by the time ProcessSample runs, the aligner has
// already consumed the sample, and a consumer error does not rewind it.
type Consumer interface {
	ProcessSample(src Source, t sensorlog.Timestamp, rec sensorlog.Record) error
}

// ErrStateMismatch is returned by Play when already playing and by Stop
// when not playing.
var ErrStateMismatch = errors.New("replay: state mismatch")

const (
	// defaultHorizon is how far past "now" a tick may reach; samples due
	// within the horizon are dispatched after a pacing sleep.
	defaultHorizon = 50 * time.Millisecond

	// minSleep is the shortest pacing sleep worth taking. Below it the
	// sample is dispatched immediately: short sleeps oversleep more than
	// they pace. Tuning knob, not a correctness contract.
	minSleep = 2 * time.Millisecond
)

// Options configures a Manager.
type Options struct {
	// Logger defaults to a stderr text handler.
	Logger *slog.Logger
	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock
	// Horizon overrides the tick lookahead window.
	Horizon time.Duration
}

// Manager owns an aligner and a registry of consumers per stream.
// Not safe for concurrent use.
type Manager struct {
	log     *slog.Logger
	clk     clock.Clock
	horizon time.Duration

	aligner   *align.Aligner
	consumers map[Source][]Consumer

	playing    bool
	speed      float64
	refWall    time.Time
	refLogical sensorlog.Timestamp
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Horizon <= 0 {
		opts.Horizon = defaultHorizon
	}
	aligner, _ := align.New()
	return &Manager{
		log:       opts.Logger,
		clk:       opts.Clock,
		horizon:   opts.Horizon,
		aligner:   aligner,
		consumers: make(map[Source][]Consumer),
	}
}

// Register subscribes consumer to the given streams. Streams shared with
// other consumers are deduplicated; genuinely new streams join the aligner
// without disturbing the current playback position.
func (m *Manager) Register(consumer Consumer, sources ...Source) error {
	for _, src := range sources {
		if _, known := m.consumers[src]; !known {
			if _, err := m.aligner.AddStreams(src); err != nil {
				return fmt.Errorf("add stream %s: %w", src.Name(), err)
			}
		}
		if !hasConsumer(m.consumers[src], consumer) {
			m.consumers[src] = append(m.consumers[src], consumer)
		}
	}
	m.resetReference()
	return nil
}

// Deregister removes consumer from the given streams. A stream whose
// dispatch list becomes empty leaves the aligner entirely.
func (m *Manager) Deregister(consumer Consumer, sources ...Source) error {
	for _, src := range sources {
		list, known := m.consumers[src]
		if !known {
			continue
		}
		m.consumers[src] = removeConsumer(list, consumer)
		if len(m.consumers[src]) == 0 {
			delete(m.consumers, src)
			if _, err := m.aligner.RemoveStreams(src); err != nil {
				return fmt.Errorf("remove stream %s: %w", src.Name(), err)
			}
		}
	}
	m.resetReference()
	return nil
}

func hasConsumer(list []Consumer, c Consumer) bool {
	for _, have := range list {
		if have == c {
			return true
		}
	}
	return false
}

func removeConsumer(list []Consumer, c Consumer) []Consumer {
	out := list[:0]
	for _, have := range list {
		if have != c {
			out = append(out, have)
		}
	}
	return out
}

// StreamCount returns the number of streams currently in the aligner.
func (m *Manager) StreamCount() int { return len(m.aligner.Streams()) }

// Interval returns the union of the registered streams' logical intervals.
// ok is false with no registered samples.
func (m *Manager) Interval() (start, end sensorlog.Timestamp, ok bool) {
	return m.aligner.IntervalLogical()
}

// CurrentTime is the manager's externally-visible playback position: the
// last dispatched logical time, or the interval start before playback.
func (m *Manager) CurrentTime() (sensorlog.Timestamp, bool) {
	if cur, ok := m.aligner.Current(); ok {
		return cur.Time, true
	}
	if start, _, ok := m.aligner.IntervalLogical(); ok {
		return start, true
	}
	return 0, false
}

// Step pulls one sample and dispatches it. With no registered streams it is
// a no-op. Returns false once everything is exhausted.
func (m *Manager) Step() (bool, error) {
	res, err := m.aligner.Step()
	if errors.Is(err, align.ErrEndOfStream) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, m.dispatch(res)
}

// Drain steps until end of stream, as fast as possible.
func (m *Manager) Drain() error {
	for {
		more, err := m.Step()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Seek repositions to the first sample at or after t and dispatches it, so
// consumers observe the state at the sought time. Seeking past the end
// leaves the manager at end of stream without dispatching.
func (m *Manager) Seek(t sensorlog.Timestamp) error {
	res, err := m.aligner.SeekTime(t)
	if errors.Is(err, align.ErrEndOfStream) {
		m.resetReference()
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.dispatch(res); err != nil {
		return err
	}
	m.resetReference()
	return nil
}

// dispatch reads the sample and fans it out to the stream's consumers.
// Consumer errors are logged and swallowed: the sample is already consumed
// from the aligner, and one failing consumer must not starve the others.
func (m *Manager) dispatch(res align.StepResult) error {
	src, ok := m.aligner.StreamAt(res.Stream).(Source)
	if !ok {
		return fmt.Errorf("replay: stream %d is not a replay source", res.Stream)
	}
	rec, err := src.SampleAt(res.Sample)
	if err != nil {
		return fmt.Errorf("read sample %d of %s: %w", res.Sample, src.Name(), err)
	}
	for _, c := range m.consumers[src] {
		if err := c.ProcessSample(src, res.Time, rec); err != nil {
			m.log.Warn("consumer failed to process sample",
				"stream", src.Name(), "time", res.Time, "err", err)
		}
	}
	return nil
}

// Play enters real-time mode at the given speed multiplier and establishes
// the pacing reference. Fails with ErrStateMismatch when already playing.
func (m *Manager) Play(speed float64) error {
	if m.playing {
		return fmt.Errorf("%w: already playing", ErrStateMismatch)
	}
	if speed <= 0 {
		return fmt.Errorf("replay: invalid speed %v", speed)
	}
	m.playing = true
	m.speed = speed
	m.resetReference()
	return nil
}

// Stop leaves real-time mode. Fails with ErrStateMismatch when not playing.
func (m *Manager) Stop() error {
	if !m.playing {
		return fmt.Errorf("%w: not playing", ErrStateMismatch)
	}
	m.playing = false
	return nil
}

func (m *Manager) Playing() bool { return m.playing }

// AtEnd reports whether every registered stream is exhausted.
func (m *Manager) AtEnd() bool { return m.aligner.State() == align.AtEnd }

// resetReference re-anchors the (wall time, logical time) pacing pair.
// Called whenever playback starts, the registration set changes, or a seek
// moves the position.
func (m *Manager) resetReference() {
	m.refWall = m.clk.Now()
	if t, ok := m.CurrentTime(); ok {
		m.refLogical = t
	} else {
		m.refLogical = 0
	}
}

// Tick is one scheduling opportunity: it dispatches every sample whose
// logical time falls at or before the deadline corresponding to now plus
// the tick horizon, sleeping per sample when its wall-clock delivery time
// is more than minSleep in the future. When a stepped sample lies beyond
// the deadline it is un-read with StepBack and the tick ends. Outside
// real-time mode, or with nothing registered, Tick is a no-op.
//
// Cancelling ctx during a pacing sleep un-reads the pending sample, so a
// tick never leaves a sample consumed but undelivered.
func (m *Manager) Tick(ctx context.Context) error {
	if !m.playing || len(m.aligner.Streams()) == 0 {
		return nil
	}
	deadline := m.refLogical + sensorlog.Timestamp(float64(m.clk.Now().Add(m.horizon).Sub(m.refWall))*m.speed)

	for {
		res, err := m.aligner.Step()
		if errors.Is(err, align.ErrEndOfStream) {
			return nil
		}
		if err != nil {
			return err
		}
		if res.Time > deadline {
			if _, err := m.aligner.StepBack(); err != nil {
				return err
			}
			return nil
		}

		target := m.refWall.Add(time.Duration(float64(res.Time-m.refLogical) / m.speed))
		if wait := target.Sub(m.clk.Now()); wait > minSleep {
			timer := m.clk.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				if _, err := m.aligner.StepBack(); err != nil {
					return err
				}
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := m.dispatch(res); err != nil {
			return err
		}
	}
}
