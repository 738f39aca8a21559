// Package signal maintains the ordered control connection to one intercom
// server: a WebSocket carrying JSON signaling frames, with automatic
// reconnection layered underneath so the session layer only reacts to
// open/close events.
package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/neilyboy/SoundMesh/internal/protocol"
)

type EventType int

const (
	Opened EventType = iota
	Inbound
	Closed
	Failed
)

// Event is one connection lifecycle or message notification, delivered in
// arrival order on a single channel.
type Event struct {
	Type    EventType
	Message protocol.Message
	Code    int
	Clean   bool
	Err     error
}

// EligibilityFunc decides whether a message kind may go on the wire right
// now. The session layer supplies it so no application traffic leaks
// before authorization while the handshake itself stays allowed.
type EligibilityFunc func(protocol.Kind) bool

var ErrAlreadyOpen = errors.New("signaling channel already open")

type Channel struct {
	dialer   *websocket.Dialer
	events   chan Event
	eligible EligibilityFunc

	minDelay time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	url     string
	conn    *websocket.Conn
	send    chan []byte
	quit    chan struct{}
	closed  bool
	running bool
	cancel  context.CancelFunc
}

func NewChannel(eligible EligibilityFunc, minDelay, maxDelay time.Duration) *Channel {
	return &Channel{
		dialer:   websocket.DefaultDialer,
		events:   make(chan Event, 64),
		eligible: eligible,
		minDelay: minDelay,
		maxDelay: maxDelay,
	}
}

// Events exposes the ordered event stream. Messages on one channel instance
// are delivered in arrival order.
func (c *Channel) Events() <-chan Event { return c.events }

// IsOpen reports whether a live connection exists right now.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Open dials url and starts the pump goroutines. It resolves once the first
// connection attempt succeeds or fails; reconnection after abnormal closes
// is handled internally from then on.
func (c *Channel) Open(ctx context.Context, url string) error {
	c.mu.Lock()
	// The run loop stays alive through the redial window between an
	// abnormal close and the next attach, so a live conn alone is not
	// enough of a guard.
	if c.conn != nil || c.running {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.url = url
	c.closed = false
	c.running = true
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.attach(ctx, conn)
	go c.run(ctx)
	return nil
}

func (c *Channel) attach(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, 32)
	quit := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.quit = quit
	c.mu.Unlock()

	go c.writePump(ctx, conn, send, quit)
	c.events <- Event{Type: Opened}
	log.Info().Str("module", "signal").Str("url", c.url).Msg("channel opened")
}

// run owns the read side for the lifetime of the channel, redialing with
// capped backoff after abnormal closes until Close or ctx cancellation.
func (c *Channel) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	for {
		conn := c.current()
		if conn == nil {
			return
		}

		code, clean := c.readPump(ctx, conn)
		c.detach()
		c.events <- Event{Type: Closed, Code: code, Clean: clean}
		log.Info().Str("module", "signal").Int("code", code).Bool("clean", clean).Msg("channel closed")

		if clean || c.userClosed() || ctx.Err() != nil {
			return
		}

		conn, ok := c.redial(ctx)
		if !ok {
			return
		}
		c.attach(ctx, conn)
	}
}

func (c *Channel) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) userClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) detach() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.quit != nil {
		close(c.quit)
		c.quit = nil
	}
	c.send = nil
	c.mu.Unlock()
}

// readPump delivers inbound frames until the connection dies, then
// classifies the close: 1000/1001 (or user Close) is clean, anything else
// abnormal.
func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) (code int, clean bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.userClosed() {
				return websocket.CloseNormalClosure, true
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				clean = ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
				return ce.Code, clean
			}
			if ctx.Err() != nil {
				return websocket.CloseNormalClosure, true
			}
			log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
			return websocket.CloseAbnormalClosure, false
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Parse errors drop the frame, never the connection.
			log.Warn().Err(err).Str("module", "signal").Msg("dropping unparseable frame")
			continue
		}
		if ig, ok := msg.(protocol.Ignored); ok {
			log.Warn().Str("module", "signal").Str("type", ig.Type).Msg("unknown signal")
			continue
		}
		c.events <- Event{Type: Inbound, Message: msg}
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, quit <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Channel) redial(ctx context.Context) (*websocket.Conn, bool) {
	delay := c.minDelay
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		if c.userClosed() {
			return nil, false
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			return conn, true
		}
		c.events <- Event{Type: Failed, Err: err}
		log.Warn().Err(err).Str("module", "signal").Dur("next_retry", delay).Msg("redial failed")

		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

// Send transmits m if the channel is open and the eligibility gate allows
// the kind. It reports whether the frame was handed to the wire now;
// ineligible sends are the caller's problem (candidates get queued, the
// rest is dropped with a warning).
func (c *Channel) Send(m protocol.Message) bool {
	kind := m.Kind()

	c.mu.Lock()
	send := c.send
	open := c.conn != nil
	c.mu.Unlock()

	if !open {
		log.Warn().Str("module", "signal").Str("type", string(kind)).Msg("cannot send: channel not open")
		return false
	}
	if c.eligible != nil && !c.eligible(kind) {
		log.Warn().Str("module", "signal").Str("type", string(kind)).Msg("cannot send: not authenticated")
		return false
	}

	data, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode outbound")
		return false
	}

	select {
	case send <- data:
		log.Debug().Str("module", "signal").Str("type", string(kind)).Msg("sent signaling message")
		return true
	default:
		log.Warn().Str("module", "signal").Str("type", string(kind)).Msg("backpressure, frame dropped")
		return false
	}
}

// Close performs a clean shutdown: best-effort close frame, no reconnect.
// Safe to call when already closed.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}
