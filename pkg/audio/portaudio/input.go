package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voidlink/pkg/audio"
)

var _ audio.InputDevice = (*input)(nil)

var errInputClosed = fmt.Errorf("portaudio: read: input closed: %w", audio.ErrDeviceUnavailable)

// captureStream is the part of a PortAudio stream the capture side uses.
type captureStream interface {
	Read() error
	Stop() error
	Close() error
}

// input is a blocking-read capture stream. Each Read pulls exactly one
// device buffer of frameSize samples.
//
// PortAudio forbids closing a stream during a blocking read, so mu
// serialises Read and Close: Close waits for an in-flight Read to return,
// which takes at most one device buffer (256 ms at 4096 samples and
// 16 kHz). closed is set before that wait so queued Reads fail fast.
type input struct {
	stream captureStream
	buf    []float32

	closed    atomic.Bool
	mu        sync.Mutex
	onRelease func()
}

func openInput(f audio.Format, frameSize int, onRelease func()) (*input, error) {
	buf := make([]float32, frameSize)
	stream, err := pa.OpenDefaultStream(1, 0, float64(f.SampleRate), frameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	return &input{stream: stream, buf: buf, onRelease: onRelease}, nil
}

// Read implements [audio.InputDevice]. PortAudio's blocking read cannot be
// interrupted, so cancellation is observed between device buffers.
func (in *input) Read(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if in.closed.Load() {
		return errInputClosed
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed.Load() {
		return errInputClosed
	}
	if err := in.stream.Read(); err != nil {
		// Input overflow only means samples were lost; the stream is healthy.
		if !errors.Is(err, pa.InputOverflowed) {
			return fmt.Errorf("portaudio: read: %w", err)
		}
	}
	copy(frame, in.buf)
	return ctx.Err()
}

// Close implements [audio.InputDevice]. It returns once any Read in progress
// has finished and the stream is released.
func (in *input) Close() error {
	if in.closed.Swap(true) {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	var firstErr error
	if err := in.stream.Stop(); err != nil {
		firstErr = fmt.Errorf("portaudio: stop input: %w", err)
	}
	if err := in.stream.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("portaudio: close input: %w", err)
	}
	in.onRelease()
	return firstErr
}
