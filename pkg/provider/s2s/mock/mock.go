// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted transports.
// Use Transport to drive the inbound event stream from a test and inspect the
// packets the session sent.
//
// Example:
//
//	tr := mock.NewTransport()
//	p := &mock.Provider{Transports: []*mock.Transport{tr}}
//	handle, _ := p.Connect(ctx, cfg)
//	tr.Open()
//	tr.Message(s2s.Message{Audio: chunk})
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Transports are returned by successive Connect calls. When exhausted,
	// Connect returns a fresh Transport from NewTransport.
	Transports []*Transport

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay, if non-zero, makes Connect wait this long or until ctx is
	// cancelled.
	ConnectDelay time.Duration

	// OnConnect, if non-nil, is called at the start of every Connect.
	OnConnect func()

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Opened records every Transport handed out, in order.
	Opened []*Transport
}

// Connect records the call and returns the next Transport or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Transport, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	delay, connectErr, hook := p.ConnectDelay, p.ConnectErr, p.OnConnect
	p.mu.Unlock()

	if hook != nil {
		hook()
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var tr *Transport
	if len(p.Transports) > 0 {
		tr = p.Transports[0]
		p.Transports = p.Transports[1:]
	} else {
		tr = NewTransport()
	}
	p.Opened = append(p.Opened, tr)
	return tr, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns the number of Connect calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Last returns the most recently opened Transport, or nil.
func (p *Provider) Last() *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Opened) == 0 {
		return nil
	}
	return p.Opened[len(p.Opened)-1]
}

// Transport is a mock implementation of s2s.Transport. Tests push inbound
// events with Open, Message, CloseRemote, and Fail; outbound packets are
// recorded in order.
type Transport struct {
	events chan s2s.Event

	mu         sync.Mutex
	ended      bool // events channel closed
	packets    []audio.Packet
	closeCalls int

	// SendErr, if non-nil, is returned by every Send and the packet is not
	// recorded.
	SendErr error

	// QueueLimit, if positive, makes Send return ErrSendQueueFull once this
	// many packets have been recorded.
	QueueLimit int
}

// NewTransport returns a Transport with a buffered event stream.
func NewTransport() *Transport {
	return &Transport{
		events: make(chan s2s.Event, 64),
	}
}

// Events implements s2s.Transport.
func (t *Transport) Events() <-chan s2s.Event { return t.events }

// Send implements s2s.Transport.
func (t *Transport) Send(p audio.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return s2s.ErrClosed
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	if t.QueueLimit > 0 && len(t.packets) >= t.QueueLimit {
		return s2s.ErrSendQueueFull
	}
	t.packets = append(t.packets, p)
	return nil
}

// Close implements s2s.Transport. The event stream is closed without a
// terminal event.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	t.endLocked()
	return nil
}

// Emit pushes ev onto the event stream. Terminal events close the stream.
// Events emitted after the stream ended, or while its buffer is full, are
// dropped; Emit reports whether ev was delivered.
func (t *Transport) Emit(ev s2s.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return false
	}
	select {
	case t.events <- ev:
	default:
		return false
	}
	if ev.Kind.Terminal() {
		t.endLocked()
	}
	return true
}

// Open emits EventOpen.
func (t *Transport) Open() bool { return t.Emit(s2s.Event{Kind: s2s.EventOpen}) }

// Message emits an EventMessage carrying m.
func (t *Transport) Message(m s2s.Message) bool {
	return t.Emit(s2s.Event{Kind: s2s.EventMessage, Message: m})
}

// CloseRemote emits EventClose as if the remote side closed normally.
func (t *Transport) CloseRemote(reason string) bool {
	return t.Emit(s2s.Event{Kind: s2s.EventClose, Reason: reason})
}

// Fail emits EventError with err.
func (t *Transport) Fail(err error) bool {
	return t.Emit(s2s.Event{Kind: s2s.EventError, Err: err})
}

func (t *Transport) endLocked() {
	if t.ended {
		return
	}
	t.ended = true
	close(t.events)
}

// Packets returns a copy of every packet sent so far.
func (t *Transport) Packets() []audio.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.packets)
}

// CloseCalls returns how many times Close was called.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// Ended reports whether the event stream has been closed.
func (t *Transport) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}
