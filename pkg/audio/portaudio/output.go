package portaudio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voidlink/pkg/audio"
)

var _ audio.OutputClock = (*output)(nil)

// outputFramesPerBuffer is the callback buffer size (about 21 ms at 24 kHz).
const outputFramesPerBuffer = 512

// voice is one buffer placed on the output timeline in absolute samples.
type voice struct {
	samples []float32
	start   int64
	onEnded func()
	stopped atomic.Bool
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.stopped.Store(true)
}

// voiceTable mixes active voices into device buffers and tracks the sample
// position. It is independent of PortAudio so the mixing can be tested
// without hardware.
type voiceTable struct {
	rate int
	pos  atomic.Int64 // samples rendered so far

	mu      sync.Mutex
	voices  []*voice
	pending []func() // completions waiting for the notifier
	notify  chan struct{}
}

func newVoiceTable(rate int) *voiceTable {
	return &voiceTable{rate: rate, notify: make(chan struct{}, 1)}
}

// now returns the current clock position.
func (t *voiceTable) now() time.Duration {
	return samplesToDuration(t.pos.Load(), t.rate)
}

// add places samples at clock position at, or at the current position if at
// has already been rendered.
func (t *voiceTable) add(samples []float32, at time.Duration, onEnded func()) *voice {
	start := durationToSamples(at, t.rate)
	v := &voice{samples: samples, onEnded: onEnded}

	t.mu.Lock()
	defer t.mu.Unlock()
	v.start = max(start, t.pos.Load())
	t.voices = append(t.voices, v)
	return v
}

// render fills out with the mix of every voice overlapping the next
// len(out) samples and advances the clock. Voices that finish or were
// stopped are removed and their completions queued. render runs on the
// audio thread and never calls user code.
func (t *voiceTable) render(out []float32) {
	clear(out)
	from := t.pos.Load()
	to := from + int64(len(out))

	t.mu.Lock()
	kept := t.voices[:0]
	for _, v := range t.voices {
		end := v.start + int64(len(v.samples))
		if v.stopped.Load() {
			t.queueLocked(v)
			continue
		}
		if v.start < to && end > from {
			lo := max(v.start, from)
			hi := min(end, to)
			src := v.samples[lo-v.start : hi-v.start]
			dst := out[lo-from : hi-from]
			for i, s := range src {
				dst[i] += s
			}
		}
		if end <= to {
			t.queueLocked(v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.mu.Unlock()

	for i, s := range out {
		switch {
		case s > 1:
			out[i] = 1
		case s < -1:
			out[i] = -1
		}
	}
	t.pos.Store(to)
}

func (t *voiceTable) queueLocked(v *voice) {
	if v.onEnded == nil {
		return
	}
	t.pending = append(t.pending, v.onEnded)
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// takePending returns and clears the queued completions.
func (t *voiceTable) takePending() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending
	t.pending = nil
	return p
}

// stopAll stops every voice and drops queued completions.
func (t *voiceTable) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.voices {
		v.stopped.Store(true)
	}
	clear(t.voices)
	t.voices = t.voices[:0]
	t.pending = nil
}

// output is a callback-driven playback stream whose rendered-sample count is
// the clock.
type output struct {
	stream *pa.Stream
	table  *voiceTable
	format audio.Format

	quit chan struct{}
	wg   sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	onRelease func()
}

func openOutput(f audio.Format, lowLatency bool, onRelease func()) (*output, error) {
	dev, err := pa.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("default output device: %w", err)
	}
	params := pa.HighLatencyParameters(nil, dev)
	if lowLatency {
		params = pa.LowLatencyParameters(nil, dev)
	}
	params.Output.Channels = 1
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = outputFramesPerBuffer

	o := &output{
		table:     newVoiceTable(f.SampleRate),
		format:    f,
		quit:      make(chan struct{}),
		onRelease: onRelease,
	}
	stream, err := pa.OpenStream(params, o.table.render)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	o.stream = stream

	o.wg.Add(1)
	go o.notifier()
	return o, nil
}

// notifier runs voice completions off the audio thread.
func (o *output) notifier() {
	defer o.wg.Done()
	for {
		select {
		case <-o.quit:
			return
		case <-o.table.notify:
		}
		for _, fn := range o.table.takePending() {
			select {
			case <-o.quit:
				return
			default:
			}
			fn()
		}
	}
}

// Now implements [audio.OutputClock].
func (o *output) Now() time.Duration {
	return o.table.now()
}

// Schedule implements [audio.OutputClock]. Buffers at a different sample
// rate are resampled to the device rate.
func (o *output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, audio.ErrClockClosed
	}

	samples := buf.Samples
	if buf.SampleRate != o.format.SampleRate {
		samples = audio.ResampleMono(samples, buf.SampleRate, o.format.SampleRate)
	}
	return o.table.add(samples, at, onEnded), nil
}

// Close implements [audio.OutputClock]. Once Close returns no completion
// callback will run.
func (o *output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	var firstErr error
	if err := o.stream.Stop(); err != nil {
		firstErr = fmt.Errorf("portaudio: stop output: %w", err)
	}
	o.table.stopAll()
	close(o.quit)
	o.wg.Wait()

	if err := o.stream.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("portaudio: close output: %w", err)
	}
	o.onRelease()
	slog.Debug("portaudio: output closed", "rendered", o.table.now())
	return firstErr
}

func durationToSamples(d time.Duration, rate int) int64 {
	if d <= 0 {
		return 0
	}
	// Nearest sample: cursor positions are sums of truncated durations.
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}

func samplesToDuration(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(rate))
}
