// Package wsconn holds the websocket plumbing shared by the S2S transport
// adapters: a receive loop that turns frames into [s2s.Event] values, a
// bounded outbound queue drained by a single writer goroutine, and a
// keepalive pinger.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
)

var _ s2s.Transport = (*Conn)(nil)

const (
	// DefaultSendQueue is the outbound queue depth used when Config.SendQueue
	// is zero.
	DefaultSendQueue = 8

	eventBuffer      = 64
	keepaliveTimeout = 5 * time.Second
)

// Emit delivers ev to the event stream. It returns false when the transport
// is shutting down and the event was discarded.
type Emit func(ev s2s.Event) bool

// Handler processes one inbound text frame. A non-nil error is fatal: it is
// emitted as EventError and the connection is closed.
type Handler func(data []byte, emit Emit) error

// Encoder turns an outbound packet into one text frame.
type Encoder func(p audio.Packet) ([]byte, error)

// Config parameterises a [Conn].
type Config struct {
	// Name prefixes errors and log lines, e.g. "gemini".
	Name string

	// SendQueue bounds the outbound queue. Zero means DefaultSendQueue.
	SendQueue int

	// Keepalive is the ping interval. Zero disables pings.
	Keepalive time.Duration

	Handle Handler
	Encode Encoder
}

// Conn is a running websocket transport.
type Conn struct {
	name   string
	conn   *websocket.Conn
	handle Handler
	encode Encoder
	write  func(ctx context.Context, data []byte) error

	events chan s2s.Event
	out    chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	sent      atomic.Uint64

	// writeErr is the first uplink failure. The receive loop reports it as
	// the terminal event.
	mu       sync.Mutex
	writeErr error
}

// WriteJSON marshals v and writes it to conn as a text frame. Adapters use it
// for the setup handshake before calling [Start].
func WriteJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Start takes ownership of conn and launches the receive, write, and
// keepalive goroutines.
func Start(conn *websocket.Conn, cfg Config) *Conn {
	c := newConn(conn, cfg)
	c.run(cfg.Keepalive)
	return c
}

func newConn(conn *websocket.Conn, cfg Config) *Conn {
	queue := cfg.SendQueue
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		name:   cfg.Name,
		conn:   conn,
		handle: cfg.Handle,
		encode: cfg.Encode,
		events: make(chan s2s.Event, eventBuffer),
		out:    make(chan []byte, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	c.write = func(ctx context.Context, data []byte) error {
		return conn.Write(ctx, websocket.MessageText, data)
	}
	return c
}

func (c *Conn) run(keepalive time.Duration) {
	c.wg.Add(2)
	go c.receiveLoop()
	go c.writeLoop()
	if keepalive > 0 {
		c.wg.Add(1)
		go c.keepaliveLoop(keepalive)
	}
}

// Events implements [s2s.Transport].
func (c *Conn) Events() <-chan s2s.Event { return c.events }

// Send implements [s2s.Transport].
func (c *Conn) Send(p audio.Packet) error {
	if c.closed.Load() {
		return s2s.ErrClosed
	}
	data, err := c.encode(p)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", c.name, err)
	}
	select {
	case c.out <- data:
		return nil
	case <-c.ctx.Done():
		return s2s.ErrClosed
	default:
		return s2s.ErrSendQueueFull
	}
}

// Sent returns the number of frames written to the socket so far.
func (c *Conn) Sent() uint64 { return c.sent.Load() }

// Close implements [s2s.Transport]. It waits for every goroutine to exit.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.wg.Wait()
		_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (c *Conn) emit(ev s2s.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// receiveLoop owns the events channel and closes it on exit.
func (c *Conn) receiveLoop() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.closed.Store(true)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if werr := c.writeFailure(); werr != nil {
				c.emit(s2s.Event{Kind: s2s.EventError, Err: werr})
			} else {
				c.emit(terminalEvent(c.name, err))
			}
			c.cancel()
			return
		}

		if err := c.handle(data, c.emit); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("%s: %w", c.name, err)})
			c.cancel()
			_ = c.conn.CloseNow()
			return
		}
	}
}

// terminalEvent maps a read failure to EventClose (normal closure) or
// EventError.
func terminalEvent(name string, err error) s2s.Event {
	var ce websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway) {
		return s2s.Event{Kind: s2s.EventClose, Reason: ce.Reason}
	}
	return s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("%s: read: %w", name, err)}
}

// writeLoop is the only writer to the socket after Start.
func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			if err := c.write(c.ctx, data); err != nil {
				if c.ctx.Err() == nil {
					slog.Debug("s2s: write failed", "transport", c.name, "err", err)
					c.failWrite(fmt.Errorf("%s: write: %w", c.name, err))
				}
				return
			}
			c.sent.Add(1)
		}
	}
}

// failWrite records a dead uplink, refuses further sends, and closes the
// socket so the blocked reader wakes up and reports err.
func (c *Conn) failWrite(err error) {
	c.mu.Lock()
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.mu.Unlock()
	c.closed.Store(true)
	_ = c.conn.CloseNow()
}

func (c *Conn) writeFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

func (c *Conn) keepaliveLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.conn.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				slog.Debug("s2s: keepalive ping failed", "transport", c.name, "err", err)
			}
			cancel()
		}
	}
}
