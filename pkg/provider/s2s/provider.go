// Package s2s defines the Transport contract between a streaming session and a
// remote Speech-to-Speech (S2S) service.
//
// An S2S service accepts a continuous stream of raw microphone audio and
// answers with a stream of synthesised audio chunks in a single, stateful
// connection. The service may signal at any time that the response currently
// being played has been superseded (interruption), for example because the
// user started speaking.
//
// The central abstraction is [Transport]: an opaque bidirectional channel.
// Outbound audio is handed over with a non-blocking [Transport.Send];
// inbound traffic arrives as a stream of [Event] values on
// [Transport.Events]. Concrete adapters live in sub-packages (gemini,
// openai); mock provides a scripted double for tests.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voidlink/pkg/audio"
)

var (
	// ErrMissingCredential is returned by [Provider.Connect] when no API key
	// is configured.
	ErrMissingCredential = errors.New("s2s: missing API credential")

	// ErrSendQueueFull is returned by [Transport.Send] when the bounded
	// outbound queue cannot take another packet. The packet is dropped.
	ErrSendQueueFull = errors.New("s2s: send queue full")

	// ErrClosed is returned by [Transport.Send] after Close or after the
	// remote side terminated the connection.
	ErrClosed = errors.New("s2s: transport closed")
)

// EventKind identifies the type of an [Event].
type EventKind int

const (
	// EventOpen is emitted once when the remote service acknowledges the
	// session and is ready to receive audio.
	EventOpen EventKind = iota + 1

	// EventMessage carries one [Message].
	EventMessage

	// EventClose is a terminal event: the remote side closed the connection
	// normally.
	EventClose

	// EventError is a terminal event: the connection failed or the remote
	// service reported a fatal error. Event.Err holds the cause.
	EventError
)

// String returns the lower-case name of k.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether k ends the event stream.
func (k EventKind) Terminal() bool {
	return k == EventClose || k == EventError
}

// Message is one inbound server message reduced to what the session needs.
type Message struct {
	// Interrupted is set when the remote service superseded the playback turn
	// in progress. Audio in the same message belongs to the new turn.
	Interrupted bool

	// Audio is base64-encoded little-endian 16-bit mono PCM. Empty when the
	// message carries no audio.
	Audio string

	// MIMEType optionally tags Audio, e.g. "audio/pcm;rate=24000". Empty means
	// the session's configured output rate.
	MIMEType string

	// TurnComplete is set on the last message of a model turn.
	TurnComplete bool
}

// Event is one item on a [Transport]'s event stream.
type Event struct {
	Kind    EventKind
	Message Message // valid for EventMessage
	Err     error   // valid for EventError
	Reason  string  // close reason for EventClose, if the peer gave one
}

// SessionConfig is the configuration for a new Transport.
type SessionConfig struct {
	// Voice names the prebuilt voice the model speaks with (e.g. "Charon").
	Voice string

	// Instructions is the system-level prompt that defines the persona.
	Instructions string

	// InputSampleRate is the rate of outbound packets in Hz. Adapters whose
	// service expects a different rate resample.
	InputSampleRate int

	// SendQueue bounds the number of outbound packets buffered ahead of the
	// network writer. Zero selects the adapter default.
	SendQueue int
}

// Capabilities describes static properties of a Provider.
type Capabilities struct {
	// Name is the registry name of the provider, e.g. "gemini-live".
	Name string

	// InputSampleRate and OutputSampleRate are the PCM rates the service
	// natively expects and produces.
	InputSampleRate  int
	OutputSampleRate int

	// MaxSessionDuration is the service-imposed limit on one connection.
	// Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names the service offers.
	Voices []string
}

// Transport is an open connection to the remote service.
//
// Events delivers, in order: at most one EventOpen, any number of
// EventMessage, and at most one terminal event (EventClose or EventError),
// after which the channel is closed. When the local side calls Close the
// channel is closed without a terminal event.
type Transport interface {
	// Events returns the inbound event stream. The same channel is returned on
	// every call. Consumers must drain it promptly.
	Events() <-chan Event

	// Send queues p for transmission and returns immediately. It returns
	// ErrSendQueueFull when the outbound queue is full and ErrClosed after the
	// transport ended. Packets are transmitted in Send order.
	Send(p audio.Packet) error

	// Close terminates the connection and releases all resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider opens Transports to one remote service.
type Provider interface {
	// Connect dials the service and sends the session setup. It returns once
	// the connection is established; readiness is signalled by EventOpen.
	// An empty API key fails with [ErrMissingCredential] without dialling.
	Connect(ctx context.Context, cfg SessionConfig) (Transport, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
