// Package session implements the streaming session state machine.
//
// A [Manager] owns at most one live session at a time. Connect acquires the
// input device, the output clock, and the transport concurrently, then hands
// the session to a single dispatcher goroutine that consumes transport
// events, starts the capture pipeline once the remote side acknowledges the
// session, and feeds decoded audio into the playback scheduler. Every exit
// path (Disconnect, remote close, transport error, capture failure) runs the
// same teardown before the status changes, so no device or callback outlives
// the session.
//
// Status and volume are published through atomics and can be read from any
// goroutine without blocking the audio path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voidlink/internal/observe"
	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/audio/scheduler"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
)

const (
	// DefaultMaxConsecutiveDecodeErrors is the number of undecodable chunks
	// in a row after which the inbound stream is treated as broken.
	DefaultMaxConsecutiveDecodeErrors = 50

	subscriberBuffer = 16
)

// Persona is the voice and system instructions sent with every new session.
type Persona struct {
	Voice        string
	Instructions string
}

// Config holds the dependencies and audio parameters of a [Manager].
type Config struct {
	// Backend opens the capture device and the output clock.
	Backend audio.Backend

	// Provider opens transports to the remote service.
	Provider s2s.Provider

	// ProviderName labels credential errors and spans. Defaults to the
	// provider's Capabilities().Name.
	ProviderName string

	// Persona is the initial persona. It can be replaced with SetPersona.
	Persona Persona

	// InputSampleRate is the capture rate. Default: 16000.
	InputSampleRate int

	// OutputSampleRate is the playback rate and the rate assumed for inbound
	// audio that carries no rate tag. Default: 24000.
	OutputSampleRate int

	// FrameSize is the number of samples per capture frame. Default: 4096.
	FrameSize int

	// SendQueue bounds the transport's outbound queue. Zero selects the
	// transport default.
	SendQueue int

	// MaxConsecutiveDecodeErrors ends the session with a TransportError
	// after this many undecodable chunks in a row. Default: 50.
	MaxConsecutiveDecodeErrors int

	// PlayingLevel overrides the output meter value reported while audio is
	// playing. Nil keeps the scheduler default.
	PlayingLevel func() float64

	// Metrics records session metrics. Defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Manager supervises the streaming session. All exported methods are safe
// for concurrent use.
type Manager struct {
	cfg Config
	m   *observe.Metrics

	mu      sync.Mutex
	persona Persona
	active  *session
	lastErr error
	subs    map[int]chan Snapshot
	nextSub int
	seq     int

	state    atomic.Pointer[Snapshot]
	inLevel  atomic.Uint64
	outLevel atomic.Uint64
}

// NewManager returns a Manager in [StatusDisconnected].
func NewManager(cfg Config) *Manager {
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = audio.InputSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = audio.OutputSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	if cfg.MaxConsecutiveDecodeErrors <= 0 {
		cfg.MaxConsecutiveDecodeErrors = DefaultMaxConsecutiveDecodeErrors
	}
	if cfg.ProviderName == "" && cfg.Provider != nil {
		cfg.ProviderName = cfg.Provider.Capabilities().Name
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	mgr := &Manager{
		cfg:     cfg,
		m:       met,
		persona: cfg.Persona,
		subs:    make(map[int]chan Snapshot),
	}
	mgr.state.Store(&Snapshot{Status: StatusDisconnected, Since: time.Now()})
	return mgr
}

// session is one connect-to-teardown lifecycle.
type session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	log     *slog.Logger
	// span covers the session from acquisition to teardown.
	span trace.Span

	// stopping is set by Disconnect. Guarded by Manager.mu.
	stopping bool
	// acquired is set once devices and transport are all open.
	acquired bool

	input     audio.InputDevice
	clock     audio.OutputClock
	transport s2s.Transport
	sched     *scheduler.Scheduler
	resampler *audio.BufferResampler

	// Owned by the dispatcher goroutine.
	opened         bool
	decodeFailures int

	capture    sync.WaitGroup
	captureErr chan error
}

// Connect starts a new session. It returns once the input device, the output
// clock, and the transport are open; the status then stays
// [StatusConnecting] until the remote side acknowledges the session.
//
// Connect returns [ErrSessionActive] while another session is connecting or
// connected. A failed acquisition tears down whatever was opened, moves the
// status to [StatusError], and returns an [*AcquisitionError],
// [*CredentialError], or [*TransportError]. Cancelling ctx aborts the
// acquisition but does not end a session that is already running.
func (m *Manager) Connect(ctx context.Context) (err error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return ErrSessionActive
	}
	m.seq++
	now := time.Now()
	id := fmt.Sprintf("session-%s-%d", now.UTC().Format("20060102T150405Z"), m.seq)
	info := observe.SessionInfo{ID: id, Provider: m.cfg.ProviderName}
	sctx, cancel := context.WithCancel(observe.WithSession(context.Background(), info))
	s := &session{
		id:         id,
		ctx:        sctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		started:    now,
		captureErr: make(chan error, 1),
	}
	persona := m.persona
	m.active = s
	m.setStatusLocked(StatusConnecting, s.id, nil)
	m.mu.Unlock()

	ctx, span := observe.StartSessionSpan(observe.WithSession(ctx, info), "session.connect")
	defer func() { observe.EndSpan(span, err, errorKind(err)) }()
	s.log = observe.Logger(ctx)

	stop := context.AfterFunc(ctx, cancel)
	err = m.acquire(trace.ContextWithSpan(sctx, span), s, persona)
	// stop reports false once the caller's ctx has fired; cancel may still be
	// on its way to sctx.
	aborted := !stop() || sctx.Err() != nil

	if err != nil || aborted {
		s.teardown()
		if aborted {
			// Disconnect or the caller abandoned the attempt.
			m.finish(s, nil)
			return fmt.Errorf("session: connect: %w", context.Canceled)
		}
		s.log.Warn("session: acquisition failed", "err", err)
		m.finish(s, err)
		return err
	}

	s.acquired = true
	m.m.ActiveSessions.Add(ctx, 1)
	s.log.Info("session: resources acquired, waiting for transport",
		"provider", m.cfg.ProviderName,
		"voice", persona.Voice,
	)
	s.ctx, s.span = observe.StartSessionSpan(trace.ContextWithSpan(sctx, span), "session.stream")
	go m.dispatch(s)
	return nil
}

// acquire opens the input device, the output clock, and the transport in
// parallel. The first failure cancels the others; everything that was
// opened is stored on s so teardown can release it.
func (m *Manager) acquire(ctx context.Context, s *session, p Persona) error {
	var (
		in    audio.InputDevice
		clock audio.OutputClock
		tr    s2s.Transport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dev, err := m.cfg.Backend.OpenInput(gctx, audio.Format{SampleRate: m.cfg.InputSampleRate, Channels: 1}, m.cfg.FrameSize)
		if err != nil {
			return &AcquisitionError{Device: "input", Err: err}
		}
		in = dev
		return nil
	})
	g.Go(func() error {
		c, err := m.cfg.Backend.OpenOutput(gctx, audio.Format{SampleRate: m.cfg.OutputSampleRate, Channels: 1})
		if err != nil {
			return &AcquisitionError{Device: "output", Err: err}
		}
		clock = c
		return nil
	})
	g.Go(func() error {
		t, err := m.cfg.Provider.Connect(gctx, s2s.SessionConfig{
			Voice:           p.Voice,
			Instructions:    p.Instructions,
			InputSampleRate: m.cfg.InputSampleRate,
			SendQueue:       m.cfg.SendQueue,
		})
		if err != nil {
			if errors.Is(err, s2s.ErrMissingCredential) {
				return &CredentialError{Provider: m.cfg.ProviderName, Err: err}
			}
			return &TransportError{Err: err}
		}
		tr = t
		return nil
	})
	err := g.Wait()

	s.input, s.clock, s.transport = in, clock, tr
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []scheduler.Option{scheduler.WithLevelHook(m.setOutputLevel)}
	if m.cfg.PlayingLevel != nil {
		opts = append(opts, scheduler.WithPlayingLevel(m.cfg.PlayingLevel))
	}
	s.sched = scheduler.New(clock, opts...)
	s.resampler = &audio.BufferResampler{Target: m.cfg.OutputSampleRate}
	return nil
}

// teardown stops capture and playback and releases every resource the
// session holds, in dependency order. It is called exactly once per session.
func (s *session) teardown() {
	s.cancel()
	s.capture.Wait()

	switch {
	case s.sched != nil:
		// Closes the output clock as well.
		if err := s.sched.Close(); err != nil {
			s.log.Debug("session: close output", "err", err)
		}
	case s.clock != nil:
		if err := s.clock.Close(); err != nil {
			s.log.Debug("session: close output", "err", err)
		}
	}
	if s.input != nil {
		if err := s.input.Close(); err != nil {
			s.log.Debug("session: close input", "err", err)
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.log.Debug("session: close transport", "err", err)
		}
		go audio.Drain(s.transport.Events())
	}
}

// finish clears s as the active session and publishes the resulting status.
// A nil cause, or a session stopped through Disconnect, ends in
// [StatusDisconnected]; anything else in [StatusError].
func (m *Manager) finish(s *session, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(s.done)

	if m.active != s {
		return
	}
	m.active = nil
	if s.acquired {
		m.m.ActiveSessions.Add(context.Background(), -1)
	}
	m.inLevel.Store(0)
	m.outLevel.Store(0)

	if cause == nil || s.stopping {
		m.setStatusLocked(StatusDisconnected, "", nil)
		return
	}
	m.lastErr = cause
	m.m.RecordSessionError(context.Background(), errorKind(cause))
	m.setStatusLocked(StatusError, s.id, cause)
}

// Disconnect ends the active session, if any, and waits until every device,
// the transport, and all callbacks have been released. From any status it
// leaves the Manager in [StatusDisconnected] with volume (0, 0). It never
// fails and is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.active
	if s == nil {
		m.inLevel.Store(0)
		m.outLevel.Store(0)
		if m.state.Load().Status != StatusDisconnected {
			m.setStatusLocked(StatusDisconnected, "", nil)
		}
		m.mu.Unlock()
		return
	}
	s.stopping = true
	m.mu.Unlock()

	s.cancel()
	<-s.done
}

// markConnected moves s from connecting to connected unless it is being
// stopped.
func (m *Manager) markConnected(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s || s.stopping {
		return false
	}
	m.setStatusLocked(StatusConnected, s.id, nil)
	return true
}

// setStatusLocked publishes a new snapshot and notifies subscribers.
// m.mu must be held.
func (m *Manager) setStatusLocked(st Status, id string, cause error) {
	snap := &Snapshot{Status: st, SessionID: id, Since: time.Now()}
	if cause != nil {
		snap.Error = cause.Error()
	}
	m.state.Store(snap)
	m.m.RecordTransition(context.Background(), st.String())
	slog.Info("session: status changed", "status", st.String(), "session_id", id)

	out := *snap
	out.Volume = m.Volume()
	for _, ch := range m.subs {
		publish(ch, out)
	}
}

// publish delivers snap without blocking. When the subscriber is behind, its
// oldest pending snapshot is discarded.
func publish(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func (m *Manager) setInputLevel(level float64) {
	m.inLevel.Store(math.Float64bits(level))
}

func (m *Manager) setOutputLevel(level float64) {
	m.outLevel.Store(math.Float64bits(level))
}

// Status returns the current status.
func (m *Manager) Status() Status {
	return m.state.Load().Status
}

// Volume returns the current input and output meter values.
func (m *Manager) Volume() Volume {
	return Volume{
		Input:  math.Float64frombits(m.inLevel.Load()),
		Output: math.Float64frombits(m.outLevel.Load()),
	}
}

// Snapshot returns the current status together with the live volume.
func (m *Manager) Snapshot() Snapshot {
	snap := *m.state.Load()
	snap.Volume = m.Volume()
	return snap
}

// LastError returns the cause of the most recent transition into
// [StatusError], or nil if no session has failed yet.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Subscribe returns a channel that receives a [Snapshot] on every status
// transition, and a function that cancels the subscription and closes the
// channel. A slow subscriber loses its oldest snapshots, never the latest.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// SetPersona replaces the persona. The change applies to the next Connect.
func (m *Manager) SetPersona(p Persona) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persona = p
}

// Persona returns the persona the next Connect will use.
func (m *Manager) Persona() Persona {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persona
}
