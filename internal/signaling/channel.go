// Package signaling owns the WebSocket connection to the matchmaking server
// and exposes it as a typed event stream plus a Send method. One Channel maps
// to one connection; after Closed is observed, a new Channel must be dialed.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roulette-p2p/roulette/internal/protocol"
	"github.com/roulette-p2p/roulette/internal/util"
)

// ErrNotOpen is returned by Send once the channel has closed. Callers decide
// whether that ends the interaction or the session.
var ErrNotOpen = errors.New("signaling channel is not open")

// EventKind discriminates channel events.
type EventKind int

const (
	Opened  EventKind = iota // connection established, Send is usable
	Inbound                  // one decoded server message
	Closed                   // connection gone, terminal
)

// Event is one observable channel occurrence, delivered in order on Events().
type Event struct {
	Kind EventKind
	Msg  *protocol.Message // set only for Inbound
}

// Channel is a single client connection to the signaling endpoint.
type Channel struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{} // closed when the consumer is gone

	mu   sync.Mutex
	open bool

	doneOnce sync.Once
}

// Dial connects to the signaling server and starts the read loop. The
// returned Channel has already emitted Opened on its event stream.
func Dial(ctx context.Context, url string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	ch := &Channel{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		open:   true,
	}
	ch.events <- Event{Kind: Opened}

	go ch.readLoop()

	return ch, nil
}

// Events returns the ordered event stream. It terminates when the
// connection is gone, normally right after the Closed event.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Send encodes and writes one message. Writes are serialized by a mutex.
// Returns ErrNotOpen once the channel has closed.
func (c *Channel) Send(msg *protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Action, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s: %w", msg.Action, err)
	}
	return nil
}

// Close tears the connection down. Idempotent; the event stream still
// terminates through the read loop's exit path.
func (c *Channel) Close() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	c.conn.Close()
}

// readLoop pumps inbound frames into the event stream until the connection
// dies or the consumer goes away. Undecodable frames are dropped without an
// event: tolerance of malformed input is part of the protocol contract.
func (c *Channel) readLoop() {
	defer c.shutdown()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			util.LogDebug("discarding frame: %v", err)
			continue
		}
		select {
		case c.events <- Event{Kind: Inbound, Msg: msg}:
		case <-c.done:
			// Nobody draining the stream; stop pumping instead of
			// blocking on a full buffer forever.
			return
		}
	}
}

// shutdown runs exactly once, from the read loop's exit. Consumers observe
// the loss either as the Closed event or, when the buffer is full, as the
// stream terminating without one.
func (c *Channel) shutdown() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	c.conn.Close()

	select {
	case c.events <- Event{Kind: Closed}:
	default:
	}
	close(c.events)
}
