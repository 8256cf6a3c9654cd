// Package mock provides in-memory mock implementations of the [audio.Backend],
// [audio.InputDevice], and [audio.OutputClock] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The [Clock] is manual: its position only moves when the test calls
// [Clock.Advance] or [Clock.Set], and completions fire synchronously from
// those calls for every voice whose end position has been reached.
//
// Typical usage:
//
//	in := mock.NewInput(4)
//	clock := &mock.Clock{}
//	backend := &mock.Backend{Input: in, Output: clock}
//	in.Push(make(audio.Frame, 4096))
//	clock.Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voidlink/pkg/audio"
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenInputCall records the arguments of a single [Backend.OpenInput] call.
type OpenInputCall struct {
	Format    audio.Format
	FrameSize int
}

// Backend is a mock implementation of [audio.Backend].
type Backend struct {
	mu sync.Mutex

	// Input is returned by OpenInput when InputErr is nil.
	Input audio.InputDevice

	// InputErr is returned by OpenInput.
	InputErr error

	// Output is returned by OpenOutput when OutputErr is nil.
	Output audio.OutputClock

	// OutputErr is returned by OpenOutput.
	OutputErr error

	// ReadyErr is returned by Ready.
	ReadyErr error

	// OpenDelay, if non-zero, makes both Open calls wait this long (or until
	// ctx is cancelled) before returning. Useful for Disconnect-during-Connect
	// tests.
	OpenDelay time.Duration

	// OpenInputCalls records all OpenInput invocations.
	OpenInputCalls []OpenInputCall

	// OpenOutputCalls records the format of every OpenOutput invocation.
	OpenOutputCalls []audio.Format
}

// Ready reports ReadyErr.
func (b *Backend) Ready(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ReadyErr
}

// OpenInput implements [audio.Backend].
func (b *Backend) OpenInput(ctx context.Context, f audio.Format, frameSize int) (audio.InputDevice, error) {
	b.mu.Lock()
	b.OpenInputCalls = append(b.OpenInputCalls, OpenInputCall{Format: f, FrameSize: frameSize})
	delay, dev, openErr := b.OpenDelay, b.Input, b.InputErr
	b.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}
	return dev, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(ctx context.Context, f audio.Format) (audio.OutputClock, error) {
	b.mu.Lock()
	b.OpenOutputCalls = append(b.OpenOutputCalls, f)
	delay, clock, openErr := b.OpenDelay, b.Output, b.OutputErr
	b.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}
	return clock, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ─── Input ────────────────────────────────────────────────────────────────────

// ErrInputClosed is returned by [Input.Read] after Close.
var ErrInputClosed = errors.New("mock: input closed")

// Input is a mock implementation of [audio.InputDevice]. Frames pushed with
// [Input.Push] are handed out by Read in order; Read blocks while none are
// queued.
type Input struct {
	frames chan audio.Frame
	errs   chan error
	done   chan struct{}

	mu         sync.Mutex
	closed     bool
	readCount  int
	closeCount int
}

// NewInput returns an Input that can queue up to buffer frames.
func NewInput(buffer int) *Input {
	return &Input{
		frames: make(chan audio.Frame, buffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Push queues a frame for the next Read. It blocks if the queue is full.
func (in *Input) Push(f audio.Frame) {
	select {
	case in.frames <- f:
	case <-in.done:
	}
}

// Fail makes the next Read return err.
func (in *Input) Fail(err error) {
	select {
	case in.errs <- err:
	default:
	}
}

// Read implements [audio.InputDevice]. It copies the next queued frame into
// frame.
func (in *Input) Read(ctx context.Context, frame audio.Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-in.done:
		return ErrInputClosed
	case err := <-in.errs:
		return err
	case f := <-in.frames:
		copy(frame, f)
		in.mu.Lock()
		in.readCount++
		in.mu.Unlock()
		return nil
	}
}

// Close implements [audio.InputDevice].
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closeCount++
	if !in.closed {
		in.closed = true
		close(in.done)
	}
	return nil
}

// Reads returns how many frames Read has delivered.
func (in *Input) Reads() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.readCount
}

// Closed reports whether Close has been called at least once.
func (in *Input) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// ─── Clock ────────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Clock.Schedule] call.
type ScheduleCall struct {
	At       time.Duration
	Duration time.Duration
	Samples  int
}

// Clock is a manual mock implementation of [audio.OutputClock]. The zero
// value is ready to use and reads zero.
type Clock struct {
	mu     sync.Mutex
	now    time.Duration
	voices []*Voice
	closed bool

	// ScheduleErr, if non-nil, is returned by Schedule.
	ScheduleErr error

	// ScheduleCalls records all successful Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Voice is the handle returned by [Clock.Schedule].
type Voice struct {
	clock   *Clock
	Start   time.Duration
	End     time.Duration
	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Voice]. A stopped voice never fires its completion.
func (v *Voice) Stop() {
	v.clock.mu.Lock()
	defer v.clock.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.clock.mu.Lock()
	defer v.clock.mu.Unlock()
	return v.stopped
}

// Now implements [audio.OutputClock].
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Schedule implements [audio.OutputClock].
func (c *Clock) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, audio.ErrClockClosed
	}
	if c.ScheduleErr != nil {
		return nil, c.ScheduleErr
	}
	start := max(at, c.now)
	v := &Voice{clock: c, Start: start, End: start + buf.Duration(), onEnded: onEnded}
	c.voices = append(c.voices, v)
	c.ScheduleCalls = append(c.ScheduleCalls, ScheduleCall{At: at, Duration: buf.Duration(), Samples: len(buf.Samples)})
	return v, nil
}

// Advance moves the clock forward by d and fires completions for every live
// voice that has ended, in end order. Callbacks run on the calling goroutine
// without the clock's lock held.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	fire := c.collectEndedLocked()
	c.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// Set moves the clock to position at (never backwards) and fires completions
// like Advance.
func (c *Clock) Set(at time.Duration) {
	c.mu.Lock()
	c.now = max(c.now, at)
	fire := c.collectEndedLocked()
	c.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

func (c *Clock) collectEndedLocked() []func() {
	if c.closed {
		return nil
	}
	var ended []*Voice
	for _, v := range c.voices {
		if !v.ended && !v.stopped && v.End <= c.now {
			v.ended = true
			ended = append(ended, v)
		}
	}
	slices.SortStableFunc(ended, func(a, b *Voice) int {
		return int(a.End - b.End)
	})
	fire := make([]func(), 0, len(ended))
	for _, v := range ended {
		if v.onEnded != nil {
			fire = append(fire, v.onEnded)
		}
	}
	return fire
}

// Voices returns every voice scheduled so far, in scheduling order.
func (c *Clock) Voices() []*Voice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.voices)
}

// Close implements [audio.OutputClock]. Stops every voice; no completion
// fires afterwards.
func (c *Clock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.closed = true
	for _, v := range c.voices {
		v.stopped = true
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Clock) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
