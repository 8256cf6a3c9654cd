// Package portaudio implements [audio.Backend] on top of the PortAudio
// library via github.com/gordonklaus/portaudio.
//
// Capture uses a blocking-read stream on the default input device. Playback
// uses a callback stream on the default output device; the stream callback
// mixes every active voice into the device buffer and advances a sample
// counter that serves as the output clock. Voice completions are handed to a
// notifier goroutine so the audio thread never runs user code.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voidlink/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// Backend opens PortAudio default devices. PortAudio is initialised on the
// first Open call and terminated when the last device opened through this
// Backend is closed.
type Backend struct {
	mu   sync.Mutex
	refs int

	// LowLatency selects the device's low suggested latency for output
	// streams instead of the default high latency.
	LowLatency bool
}

// New returns a Backend using the system default devices.
func New() *Backend {
	return &Backend{}
}

// acquire initialises PortAudio if this is the first open device.
func (b *Backend) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialise: %w", err)
		}
	}
	b.refs++
	return nil
}

// release terminates PortAudio once the last device has been closed.
func (b *Backend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return
	}
	b.refs--
	if b.refs == 0 {
		if err := pa.Terminate(); err != nil {
			slog.Warn("portaudio: terminate failed", "err", err)
		}
	}
}

// OpenInput implements [audio.Backend]. Only mono capture is supported.
func (b *Backend) OpenInput(ctx context.Context, f audio.Format, frameSize int) (audio.InputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Channels != 1 {
		return nil, fmt.Errorf("portaudio: input: %d channels unsupported: %w", f.Channels, audio.ErrDeviceUnavailable)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("portaudio: input: frame size must be positive, got %d", frameSize)
	}
	if err := b.acquire(); err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}

	in, err := openInput(f, frameSize, b.release)
	if err != nil {
		b.release()
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	slog.Debug("portaudio: input opened", "format", f.String(), "frame_size", frameSize)
	return in, nil
}

// OpenOutput implements [audio.Backend]. Only mono playback is supported.
func (b *Backend) OpenOutput(ctx context.Context, f audio.Format) (audio.OutputClock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Channels != 1 {
		return nil, fmt.Errorf("portaudio: output: %d channels unsupported: %w", f.Channels, audio.ErrDeviceUnavailable)
	}
	if err := b.acquire(); err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}

	out, err := openOutput(f, b.LowLatency, b.release)
	if err != nil {
		b.release()
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	slog.Debug("portaudio: output opened", "format", f.String())
	return out, nil
}

// Ready reports whether default input and output devices exist.
func (b *Backend) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	if _, err := pa.DefaultInputDevice(); err != nil {
		return fmt.Errorf("portaudio: no default input device: %w", err)
	}
	if _, err := pa.DefaultOutputDevice(); err != nil {
		return fmt.Errorf("portaudio: no default output device: %w", err)
	}
	return nil
}
