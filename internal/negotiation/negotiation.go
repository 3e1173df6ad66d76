// Package negotiation drives the offer/answer exchange for one peer
// connection at a time. The server assigns exactly one initiator per room, so
// both ends never offer simultaneously and no glare handling is needed.
package negotiation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/roulette-p2p/roulette/internal/protocol"
	"github.com/roulette-p2p/roulette/internal/util"
)

// Role determines which end creates the offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// ErrUnexpectedAnswer is returned when a remote answer arrives while no local
// offer is pending. The caller treats it as session-ending.
var ErrUnexpectedAnswer = errors.New("remote answer without a pending local offer")

// ErrInProgress is returned by Begin when a peer connection is already alive.
var ErrInProgress = errors.New("negotiation already in progress")

const eventBufferSize = 32

// EventKind discriminates asynchronous engine events.
type EventKind int

const (
	// LocalCandidate carries a locally gathered ICE candidate to relay.
	LocalCandidate EventKind = iota
	// RemoteTrack fires when remote media arrives.
	RemoteTrack
	// ConnState reports a peer connection state change. Informational only;
	// teardown is driven by signaling events, never by these.
	ConnState
)

// Event is one asynchronous occurrence on the peer connection, delivered on
// Events().
type Event struct {
	Kind      EventKind
	Candidate webrtc.ICECandidateInit
	Track     *webrtc.TrackRemote
	State     webrtc.PeerConnectionState
}

// Engine manages at most one peer connection, aligned to one room. All
// methods must be called from the session loop goroutine; only the event
// stream crosses goroutines.
type Engine struct {
	newConn func() (PeerConnection, error)
	tracks  []webrtc.TrackLocal
	events  chan Event

	// gen counts completed sessions; callbacks from a closed peer
	// connection carry a stale generation and are discarded.
	gen atomic.Uint64

	pc        PeerConnection
	role      Role
	offered   bool // local offer sent, answer outstanding
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewEngine creates an idle engine backed by real pion peer connections. The
// given local tracks are attached to every peer connection the engine
// creates, including ones constructed early by an overtaking signal frame.
func NewEngine(tracks []webrtc.TrackLocal) *Engine {
	return &Engine{
		newConn: newPionConn,
		tracks:  tracks,
		events:  make(chan Event, eventBufferSize),
	}
}

// Events returns the engine's asynchronous event stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Begin starts negotiation for a freshly assigned room: it constructs the
// peer connection, attaches the local tracks, and — when role is initiator —
// creates the offer, applies it locally, and returns it for relay. Responders
// get a nil payload and wait for the remote offer.
//
// When a signal frame overtook the room assignment, a peer connection already
// exists; Begin adopts it instead of failing. Only the responder can be
// overtaken this way (the initiator's partner has nothing to send first), and
// by the time the room assignment lands the adopted connection has already
// answered, so there is nothing left to emit.
func (e *Engine) Begin(role Role) (*protocol.SignalPayload, error) {
	if e.role != "" {
		return nil, ErrInProgress
	}
	e.role = role
	if e.pc != nil {
		return nil, nil
	}
	if err := e.ensureConn(); err != nil {
		e.role = ""
		return nil, err
	}

	if role != RoleInitiator {
		return nil, nil
	}

	offer, err := e.pc.CreateOffer()
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	e.offered = true
	return &protocol.SignalPayload{Type: "offer", SDP: offer.SDP}, nil
}

// HandleRemote applies one relayed negotiation payload. A remote offer yields
// the answer to relay back; an answer and a candidate yield nil. Candidates
// arriving before a remote description are buffered in arrival order and
// drained the moment a description is set.
func (e *Engine) HandleRemote(p *protocol.SignalPayload) (*protocol.SignalPayload, error) {
	if p == nil {
		return nil, nil
	}

	if p.IsCandidate() {
		e.addCandidate(webrtc.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		})
		return nil, nil
	}

	switch p.Type {
	case "offer":
		return e.handleOffer(p.SDP)
	case "answer":
		return nil, e.handleAnswer(p.SDP)
	default:
		return nil, fmt.Errorf("unrecognized signal payload type %q", p.Type)
	}
}

// handleOffer covers the responder path. A signal frame can race ahead of
// matched delivery, so a missing peer connection is constructed on the spot.
func (e *Engine) handleOffer(sdp string) (*protocol.SignalPayload, error) {
	if err := e.ensureConn(); err != nil {
		return nil, err
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	e.remoteSet = true
	e.drainPending()

	answer, err := e.pc.CreateAnswer()
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return &protocol.SignalPayload{Type: "answer", SDP: answer.SDP}, nil
}

// handleAnswer completes the initiator's single round trip. An answer with no
// pending offer is rejected rather than handed to the peer connection.
func (e *Engine) handleAnswer(sdp string) error {
	if !e.offered || e.pc == nil {
		return ErrUnexpectedAnswer
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.offered = false
	e.remoteSet = true
	e.drainPending()
	return nil
}

// addCandidate applies a remote candidate immediately once a remote
// description exists, otherwise buffers it. Application failures are logged
// only; a bad candidate never ends the session.
func (e *Engine) addCandidate(init webrtc.ICECandidateInit) {
	if !e.remoteSet || e.pc == nil {
		e.pending = append(e.pending, init)
		return
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		util.LogWarning("failed to apply ICE candidate: %v", err)
	}
}

// drainPending applies buffered candidates in arrival order.
func (e *Engine) drainPending() {
	for _, init := range e.pending {
		if err := e.pc.AddICECandidate(init); err != nil {
			util.LogWarning("failed to apply buffered ICE candidate: %v", err)
		}
	}
	e.pending = nil
}

// ensureConn constructs the peer connection, attaches local tracks, and wires
// the event hooks. No-op when a connection already exists.
func (e *Engine) ensureConn() error {
	if e.pc != nil {
		return nil
	}

	pc, err := e.newConn()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	if len(e.tracks) == 0 {
		// No local media: still receive the partner's.
		if err := pc.AddRecvOnlyTransceivers(); err != nil {
			pc.Close()
			return fmt.Errorf("add transceivers: %w", err)
		}
	}
	for _, track := range e.tracks {
		if err := pc.AddTrack(track); err != nil {
			pc.Close()
			return fmt.Errorf("add local track: %w", err)
		}
	}

	gen := e.gen.Load()
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		full := c.ToJSON()
		e.emit(gen, Event{Kind: LocalCandidate, Candidate: webrtc.ICECandidateInit{
			Candidate:     full.Candidate,
			SDPMid:        full.SDPMid,
			SDPMLineIndex: full.SDPMLineIndex,
		}})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote) {
		e.emit(gen, Event{Kind: RemoteTrack, Track: track})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.emit(gen, Event{Kind: ConnState, State: state})
	})

	e.pc = pc
	return nil
}

// emit delivers an event without ever blocking a pion callback goroutine.
// Events from a previous generation are dropped: a closed peer connection
// must not speak into the next session.
func (e *Engine) emit(gen uint64, ev Event) {
	if e.gen.Load() != gen {
		return
	}
	select {
	case e.events <- ev:
	default:
		util.LogWarning("negotiation event buffer full, dropping event kind=%d", ev.Kind)
	}
}

// End closes and discards the peer connection and resets all negotiation
// state. Idempotent. Buffered events from the ended session are drained so
// they cannot leak into the next pairing.
func (e *Engine) End() {
	if e.pc != nil {
		if err := e.pc.Close(); err != nil {
			util.LogDebug("peer connection close: %v", err)
		}
		e.pc = nil
	}
	e.gen.Add(1)
	for {
		select {
		case <-e.events:
		default:
			e.offered = false
			e.remoteSet = false
			e.pending = nil
			e.role = ""
			return
		}
	}
}

// Active reports whether a peer connection is currently alive.
func (e *Engine) Active() bool {
	return e.pc != nil
}
