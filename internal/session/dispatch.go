package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voidlink/internal/capture"
	"github.com/MrWong99/voidlink/internal/observe"
	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
)

// dispatch is the single goroutine that drives a session after acquisition.
// It is the only caller of the scheduler's Schedule and Interrupt. Whatever
// ends the loop, teardown runs before the status changes.
func (m *Manager) dispatch(s *session) {
	var cause error
	defer func() {
		s.teardown()
		observe.EndSpan(s.span, cause, errorKind(cause))
		m.finish(s, cause)
		s.log.Info("session: ended", "err", cause)
	}()

	events := s.transport.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.captureErr:
			cause = &AcquisitionError{Device: "input", Err: err}
			return
		case ev, ok := <-events:
			if !ok {
				s.log.Info("session: transport stream ended")
				return
			}
			if cause = m.handleEvent(s, ev); cause != nil || ev.Kind.Terminal() {
				return
			}
		}
	}
}

// handleEvent applies one transport event. A non-nil result is session-fatal.
func (m *Manager) handleEvent(s *session, ev s2s.Event) error {
	switch ev.Kind {
	case s2s.EventOpen:
		if s.opened {
			return nil
		}
		s.opened = true
		observe.SessionEvent(s.ctx, "transport.open")
		m.m.ConnectDuration.Record(s.ctx, time.Since(s.started).Seconds())
		if m.markConnected(s) {
			m.startCapture(s)
		}
		return nil

	case s2s.EventMessage:
		return m.handleMessage(s, ev.Message)

	case s2s.EventClose:
		s.log.Info("session: remote closed", "reason", ev.Reason)
		observe.SessionEvent(s.ctx, "transport.close", attribute.String("reason", ev.Reason))
		return nil

	case s2s.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("unspecified transport error")
		}
		return &TransportError{Err: err}
	}
	return nil
}

// handleMessage interrupts, schedules, and ends turns as the message asks.
// Audio that belongs to an interrupting message is scheduled after the
// interruption.
func (m *Manager) handleMessage(s *session, msg s2s.Message) error {
	ctx := s.ctx
	if msg.Interrupted {
		n := s.sched.Interrupt()
		m.m.PlaybackInterruptions.Add(ctx, 1)
		s.log.Debug("session: playback interrupted", "stopped", n)
		observe.SessionEvent(ctx, "playback.interrupted", attribute.Int("voices_stopped", n))
	}

	if msg.Audio != "" {
		if err := m.schedule(ctx, s, msg); err != nil {
			return err
		}
	}

	if msg.TurnComplete {
		observe.SessionEvent(ctx, "turn.complete")
		s.sched.EndTurn()
	}
	return nil
}

// schedule decodes one chunk and queues it for gapless playback. Decode
// failures drop the chunk; only a long run of them is fatal.
func (m *Manager) schedule(ctx context.Context, s *session, msg s2s.Message) error {
	rate := m.cfg.OutputSampleRate
	if r, ok := audio.ParsePCMRate(msg.MIMEType); ok {
		rate = r
	}
	buf, err := audio.DecodeBase64PCM16(msg.Audio, rate, 1)
	if err != nil {
		s.decodeFailures++
		m.m.RecordChunk(ctx, observe.StatusDecodeError)
		s.log.Debug("session: chunk dropped", "err", err, "consecutive", s.decodeFailures)
		if s.decodeFailures >= m.cfg.MaxConsecutiveDecodeErrors {
			return &TransportError{Err: fmt.Errorf("%d consecutive undecodable chunks: %w", s.decodeFailures, err)}
		}
		return nil
	}
	s.decodeFailures = 0

	sc, err := s.sched.Schedule(s.resampler.Convert(buf))
	if err != nil {
		m.m.RecordChunk(ctx, observe.StatusScheduleFail)
		s.log.Warn("session: schedule chunk", "err", err)
		return nil
	}
	m.m.RecordChunk(ctx, observe.StatusScheduled)
	m.m.PlaybackLead.Record(ctx, sc.Lead.Seconds())
	if sc.Underrun {
		m.m.PlaybackUnderruns.Add(ctx, 1)
	}
	return nil
}

// startCapture launches the capture pipeline on its own goroutine. A device
// failure is reported to the dispatcher through s.captureErr.
func (m *Manager) startCapture(s *session) {
	p := capture.New(s.input, s.transport, capture.Config{
		SampleRate: m.cfg.InputSampleRate,
		FrameSize:  m.cfg.FrameSize,
		OnLevel:    m.setInputLevel,
		Metrics:    m.m,
	})
	s.capture.Add(1)
	go func() {
		defer s.capture.Done()
		if err := p.Run(s.ctx); err != nil {
			select {
			case s.captureErr <- err:
			default:
			}
		}
	}()
}
