package scheduler

import (
	"container/heap"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voidlink/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("scheduler: closed")

// defaultQueueCap is the initial capacity hint for the in-flight heap.
const defaultQueueCap = 16

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithLevelHook registers fn to receive the output activity level: a value
// in [0.5, 1] whenever a buffer is scheduled and 0 once nothing is in flight
// (or after Interrupt/Close). fn is called with the scheduler's lock held and
// must not block or call back into the scheduler.
func WithLevelHook(fn func(level float64)) Option {
	return func(s *Scheduler) {
		s.onLevel = fn
	}
}

// WithPlayingLevel overrides the source of the non-zero level reported while
// audio is playing. The default is 0.5 + rand*0.5.
func WithPlayingLevel(fn func() float64) Option {
	return func(s *Scheduler) {
		s.playingLevel = fn
	}
}

// WithQueueCapacity sets the initial capacity hint for the in-flight heap.
// The heap still grows as needed.
func WithQueueCapacity(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.inflight = make(voiceHeap, 0, n)
		}
	}
}

// Scheduled describes where a buffer was placed on the output clock.
type Scheduled struct {
	// Start and End are clock positions; End = Start + buffer duration.
	Start time.Duration
	End   time.Duration

	// Lead is how far ahead of the clock the buffer was placed (Start - now).
	// Zero means the buffer starts immediately.
	Lead time.Duration

	// Underrun is true when the cursor had fallen behind the clock in the
	// middle of a turn, i.e. an audible gap precedes this buffer.
	Underrun bool
}

// Scheduler places decoded buffers on an [audio.OutputClock] back-to-back.
//
// The cursor (next start position) and the in-flight set are touched by the
// scheduling path and by completion callbacks arriving on the clock's
// notifier goroutine; a single mutex serialises the two. All exported
// methods are safe for concurrent use.
type Scheduler struct {
	clock        audio.OutputClock
	onLevel      func(float64)
	playingLevel func() float64

	mu        sync.Mutex
	inflight  voiceHeap
	seq       uint64
	nextStart time.Duration
	turnOpen  bool // audio of the current turn has been scheduled
	closed    bool

	closeOnce sync.Once
	closeErr  error
}

// New creates a Scheduler that owns clock. The cursor starts at zero.
// Call [Scheduler.Close] to stop playback and release the clock.
func New(clock audio.OutputClock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:        clock,
		inflight:     make(voiceHeap, 0, defaultQueueCap),
		playingLevel: func() float64 { return 0.5 + rand.Float64()*0.5 },
	}
	for _, o := range opts {
		o(s)
	}
	heap.Init(&s.inflight)
	return s
}

// Schedule places buf so that it starts exactly where the previously
// scheduled buffer ends, or at the clock's current position if that is
// later. Buffers never start in the past and never overlap.
//
// An empty buffer schedules nothing and does not move the cursor.
func (s *Scheduler) Schedule(buf audio.Buffer) (Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Scheduled{}, ErrClosed
	}

	now := s.clock.Now()
	underrun := s.turnOpen && s.nextStart < now
	start := max(s.nextStart, now)
	dur := buf.Duration()

	if dur <= 0 {
		return Scheduled{Start: start, End: start}, nil
	}

	s.seq++
	e := &entry{start: start, end: start + dur, seq: s.seq, index: -1}

	voice, err := s.clock.Schedule(buf, start, func() { s.release(e) })
	if err != nil {
		return Scheduled{}, err
	}
	e.voice = voice
	heap.Push(&s.inflight, e)

	s.nextStart = e.end
	s.turnOpen = true
	s.setLevelLocked(s.playingLevel())

	return Scheduled{
		Start:    start,
		End:      e.end,
		Lead:     start - now,
		Underrun: underrun,
	}, nil
}

// Interrupt stops and discards every in-flight buffer, whether or not it has
// started, and moves the cursor to the clock's current position. It returns
// the number of buffers that were discarded.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	n := s.stopAllLocked()
	s.nextStart = s.clock.Now()
	s.turnOpen = false
	s.setLevelLocked(0)
	return n
}

// EndTurn marks the current turn as complete so that the silence before the
// next turn is not reported as an underrun.
func (s *Scheduler) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnOpen = false
}

// InFlight returns the number of buffers scheduled but not yet finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight.Len()
}

// Pending returns the start positions of the in-flight buffers in start
// order.
func (s *Scheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	starts := make([]time.Duration, 0, s.inflight.Len())
	for _, e := range s.inflight {
		starts = append(starts, e.start)
	}
	slices.Sort(starts)
	return starts
}

// NextStart returns the cursor: the clock position at which the next buffer
// would start if the clock has not passed it yet.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Now returns the owned clock's current position.
func (s *Scheduler) Now() time.Duration {
	return s.clock.Now()
}

// Close stops every in-flight buffer, reports a zero level, and closes the
// owned clock. No completion reaches the scheduler after Close returns.
// Close is idempotent.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.stopAllLocked()
		s.setLevelLocked(0)
		s.mu.Unlock()

		s.closeErr = s.clock.Close()
	})
	return s.closeErr
}

// release removes e from the in-flight set when its voice finishes. Stale
// completions (after Interrupt or Close) are ignored.
func (s *Scheduler) release(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || e.index < 0 {
		return
	}
	heap.Remove(&s.inflight, e.index)
	if s.inflight.Len() == 0 {
		s.setLevelLocked(0)
	}
}

// stopAllLocked stops and forgets every in-flight voice. Must be called with
// s.mu held.
func (s *Scheduler) stopAllLocked() int {
	n := s.inflight.Len()
	for _, e := range s.inflight {
		e.index = -1
		if e.voice != nil {
			e.voice.Stop()
		}
	}
	clear(s.inflight)
	s.inflight = s.inflight[:0]
	return n
}

func (s *Scheduler) setLevelLocked(level float64) {
	if s.onLevel != nil {
		s.onLevel(level)
	}
}
