// Package capture implements the outbound half of a streaming session: it
// reads fixed-size frames from an [audio.InputDevice], publishes the input
// level for each frame, encodes the frame to PCM16, and hands it to the
// transport.
//
// Sending is fire-and-forget. A packet the transport refuses is counted and
// dropped and the loop moves on to the next frame; only a failure of the
// device itself ends the pipeline.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/voidlink/internal/observe"
	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
)

// Sender accepts encoded packets without blocking. [s2s.Transport]
// satisfies it.
type Sender interface {
	Send(p audio.Packet) error
}

// SendError describes one packet the transport refused. It is never fatal.
type SendError struct {
	// Seq is the zero-based index of the frame within the pipeline run.
	Seq uint64
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("capture: send frame %d: %v", e.Seq, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Config configures a [Pipeline].
type Config struct {
	// SampleRate tags outbound packets. Defaults to [audio.InputSampleRate].
	SampleRate int

	// FrameSize is the number of samples per frame. Defaults to
	// [audio.DefaultFrameSize].
	FrameSize int

	// OnLevel receives the input meter value for every frame. May be nil.
	OnLevel func(level float64)

	// OnSendError is called for every refused packet. May be nil.
	OnSendError func(err *SendError)

	// Metrics records frame and packet counters. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Pipeline is one run of the capture loop. A Pipeline is single-use.
type Pipeline struct {
	in   audio.InputDevice
	out  Sender
	cfg  Config
	m    *observe.Metrics
	sent atomic.Uint64
	drop atomic.Uint64
}

// New returns a Pipeline reading from in and sending to out.
func New(in audio.InputDevice, out Sender, cfg Config) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.InputSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Pipeline{in: in, out: out, cfg: cfg, m: m}
}

// Run reads and forwards frames until ctx is cancelled or the device fails.
// It returns nil when stopped through ctx and a wrapped device error
// otherwise. The input device is not closed by Run.
func (p *Pipeline) Run(ctx context.Context) error {
	frame := make(audio.Frame, p.cfg.FrameSize)
	for seq := uint64(0); ; seq++ {
		if err := p.in.Read(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture: read frame %d: %w", seq, err)
		}
		p.m.CaptureFrames.Add(ctx, 1)

		if p.cfg.OnLevel != nil {
			p.cfg.OnLevel(audio.InputLevel(frame))
		}

		if err := p.out.Send(audio.NewPacket(frame, p.cfg.SampleRate)); err != nil {
			p.refused(ctx, seq, err)
			continue
		}
		p.sent.Add(1)
		p.m.RecordPacket(ctx, observe.StatusSent)
	}
}

func (p *Pipeline) refused(ctx context.Context, seq uint64, err error) {
	p.drop.Add(1)
	status := observe.StatusFailed
	if errors.Is(err, s2s.ErrSendQueueFull) {
		status = observe.StatusDropped
	}
	p.m.RecordPacket(ctx, status)

	sendErr := &SendError{Seq: seq, Err: err}
	slog.Debug("capture: packet dropped", "seq", seq, "status", status, "err", err)
	if p.cfg.OnSendError != nil {
		p.cfg.OnSendError(sendErr)
	}
}

// Sent returns the number of packets the transport accepted.
func (p *Pipeline) Sent() uint64 { return p.sent.Load() }

// Dropped returns the number of packets the transport refused.
func (p *Pipeline) Dropped() uint64 { return p.drop.Load() }
