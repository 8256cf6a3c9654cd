// Package audio defines the sample formats, wire codecs, and device
// abstractions used by the voidlink streaming core.
//
// The device side is split into two narrow interfaces:
//
//   - [InputDevice]: a capture stream that yields fixed-size [Frame] values
//     at a fixed rate once acquired.
//   - [OutputClock]: a playback device exposing a monotonic clock and a
//     primitive that starts a [Buffer] at an exact clock position and reports
//     when it finishes.
//
// Both are obtained from a [Backend]. Concrete backends live in sub-packages
// (audio/portaudio); audio/mock provides deterministic doubles for tests.
//
// This package lives under pkg/ because third-party device backends are
// expected to implement [Backend].
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is wrapped by backends when the requested device
// cannot be opened (missing hardware, permission denied, busy).
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// ErrClockClosed is returned by [OutputClock.Schedule] after Close.
var ErrClockClosed = errors.New("audio: output clock closed")

// InputDevice is an acquired capture stream.
//
// An InputDevice is owned by exactly one capture loop; it is not safe for
// concurrent Read calls.
type InputDevice interface {
	// Read fills frame with the next len(frame) samples, blocking until they
	// are available. It returns ctx.Err() if ctx is cancelled first.
	Read(ctx context.Context, frame Frame) error

	// Close releases the device. Calling Close more than once is safe.
	Close() error
}

// Voice is the handle to one buffer scheduled on an [OutputClock].
type Voice interface {
	// Stop silences the voice immediately, whether or not it has started.
	// The onEnded callback passed to Schedule may still be invoked once;
	// callers must tolerate that. Stop is idempotent.
	Stop()
}

// OutputClock is an acquired playback device together with its sample clock.
//
// All methods must be safe for concurrent use. onEnded callbacks are invoked
// on an internal goroutine, never on the audio thread, and never after Close
// has returned.
type OutputClock interface {
	// Now returns the current playback position measured from the moment the
	// clock was opened. It is monotonic non-decreasing.
	Now() time.Duration

	// Schedule starts buf exactly at clock position at. If at is already in
	// the past the buffer starts as soon as possible. onEnded (may be nil) is
	// called once when the last sample has been rendered or the voice has
	// been stopped.
	Schedule(buf Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops every voice and releases the device. Calling Close more
	// than once is safe.
	Close() error
}

// Backend opens input and output devices.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// OpenInput acquires the capture device at format f, delivering
	// frameSize samples per Read. Returns an error wrapping
	// [ErrDeviceUnavailable] when no suitable device exists.
	OpenInput(ctx context.Context, f Format, frameSize int) (InputDevice, error)

	// OpenOutput acquires the playback device at format f and starts its
	// clock at zero.
	OpenOutput(ctx context.Context, f Format) (OutputClock, error)
}
