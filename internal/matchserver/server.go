// Package matchserver is an in-memory matchmaking and relay server speaking
// the client's signaling protocol. It exists for development and tests; the
// production pairing service is a separate system reachable through the same
// wire contract.
package matchserver

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roulette-p2p/roulette/internal/protocol"
	"github.com/roulette-p2p/roulette/internal/util"
)

// Path is the WebSocket endpoint the clients dial.
const Path = "/ws/chat/"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server pairs waiting clients into rooms and relays signal/chat frames
// between partners.
type Server struct {
	listener net.Listener

	mu      sync.Mutex
	waiting []*client
	rooms   map[string][2]*client
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{rooms: make(map[string][2]*client)}
}

// Start begins listening on the given address (":0" picks a free port).
// Returns the bound port.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start match server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

// Close shuts down the listener. Established connections run until their
// clients disconnect.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn}
	defer s.disconnect(c)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			util.LogDebug("matchserver: discarding frame: %v", err)
			continue
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *client, msg *protocol.Message) {
	switch msg.Action {
	case protocol.ActionFind:
		s.find(c)

	case protocol.ActionSignal:
		if partner := s.partnerOf(c); partner != nil {
			partner.send(&protocol.Message{Action: protocol.ActionSignal, Data: msg.Data})
		}

	case protocol.ActionChat:
		if msg.Text == "" {
			return
		}
		if partner := s.partnerOf(c); partner != nil {
			partner.send(&protocol.Message{Action: protocol.ActionChat, Text: msg.Text})
		}

	case protocol.ActionNext:
		s.leaveRoom(c)

	case protocol.ActionReport:
		s.report(c, msg)

	default:
		util.LogDebug("matchserver: ignoring %s from client", msg.Action)
	}
}

// find pairs the client with a random waiting one, or enqueues it. Exactly
// one of the two ends is told it is the initiator.
func (s *Server) find(c *client) {
	s.mu.Lock()
	for _, w := range s.waiting {
		if w == c {
			s.mu.Unlock()
			c.send(&protocol.Message{Action: protocol.ActionWaiting})
			return
		}
	}

	if len(s.waiting) == 0 {
		s.waiting = append(s.waiting, c)
		s.mu.Unlock()
		c.send(&protocol.Message{Action: protocol.ActionWaiting})
		return
	}

	idx := rand.IntN(len(s.waiting))
	partner := s.waiting[idx]
	s.waiting = append(s.waiting[:idx], s.waiting[idx+1:]...)

	room := "room_" + uuid.NewString()
	s.rooms[room] = [2]*client{partner, c}
	partner.room = room
	c.room = room
	s.mu.Unlock()

	initiatorForC := rand.IntN(2) == 0
	partner.send(&protocol.Message{Action: protocol.ActionMatched, Room: room, Initiator: !initiatorForC})
	c.send(&protocol.Message{Action: protocol.ActionMatched, Room: room, Initiator: initiatorForC})
	util.LogInfo("paired two clients into %s", room)
}

// leaveRoom tears the client's room down and tells the partner.
func (s *Server) leaveRoom(c *client) {
	s.mu.Lock()
	room := c.room
	var partner *client
	if room != "" {
		pair := s.rooms[room]
		for _, p := range pair {
			if p != nil && p != c {
				partner = p
			}
		}
		for _, p := range pair {
			if p != nil {
				p.room = ""
			}
		}
		delete(s.rooms, room)
	}
	s.mu.Unlock()

	if partner != nil {
		partner.send(&protocol.Message{Action: protocol.ActionPartnerLeft})
	}
}

// report acknowledges an abuse report. Image payloads are accepted and
// dropped; persistence belongs to the production service.
func (s *Server) report(c *client, msg *protocol.Message) {
	util.LogInfo("report received for %s (local image %d bytes, remote image %d bytes)",
		msg.Room, len(msg.Local), len(msg.Remote))
	c.send(&protocol.Message{
		Action:   protocol.ActionReportResult,
		Status:   "ok",
		ReportID: uuid.NewString(),
	})
}

// disconnect removes the client from the queue and its room.
func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	for i, w := range s.waiting {
		if w == c {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.leaveRoom(c)
	c.conn.Close()
}

func (s *Server) partnerOf(c *client) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.room == "" {
		return nil
	}
	for _, p := range s.rooms[c.room] {
		if p != nil && p != c {
			return p
		}
	}
	return nil
}

// client is one connected peer. Writes are serialized by a mutex because
// relayed frames and direct replies come from different goroutines.
type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	room string
}

func (c *client) send(msg *protocol.Message) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		util.LogWarning("matchserver: encode %s: %v", msg.Action, err)
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		util.LogDebug("matchserver: write %s: %v", msg.Action, err)
	}
}
