// Package session implements the client's matchmaking/negotiation state
// machine. One Controller owns the signaling channel, the negotiation engine,
// and the chat log; its Run loop is the single goroutine that mutates them,
// so event ordering is exactly delivery order and no locking discipline is
// needed inside the loop.
package session

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roulette-p2p/roulette/internal/media"
	"github.com/roulette-p2p/roulette/internal/negotiation"
	"github.com/roulette-p2p/roulette/internal/protocol"
	"github.com/roulette-p2p/roulette/internal/signaling"
	"github.com/roulette-p2p/roulette/internal/util"
)

// State is the controller's lifecycle position.
type State int

const (
	Idle State = iota
	Searching
	Matched // covers in-flight negotiation; progress lives in the engine
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Searching:
		return "searching"
	case Matched:
		return "matched"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Channel is the slice of the signaling channel the controller consumes.
type Channel interface {
	Send(*protocol.Message) error
	Events() <-chan signaling.Event
	Close()
}

// Dialer constructs a fresh signaling channel. The controller dials lazily on
// the first start intent, and again if the user starts after channel loss.
type Dialer func(ctx context.Context) (Channel, error)

// Negotiator is the slice of the negotiation engine the controller drives.
type Negotiator interface {
	Begin(role negotiation.Role) (*protocol.SignalPayload, error)
	HandleRemote(*protocol.SignalPayload) (*protocol.SignalPayload, error)
	Events() <-chan negotiation.Event
	End()
}

// Snapshotter provides the opaque remote-side image for abuse reports.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Reset()
}

// Notifier receives user-facing output from the controller. Implementations
// must not call back into the controller.
type Notifier interface {
	Status(text string)
	Chat(tag Tag, text string)
	RemoteTrack(track *webrtc.TrackRemote)
}

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) Status(string) {}

func (NopNotifier) Chat(Tag, string) {}

func (NopNotifier) RemoteTrack(*webrtc.TrackRemote) {}

type intentKind int

const (
	intentStart intentKind = iota
	intentNext
	intentStop
	intentChat
	intentReport
)

type intent struct {
	kind intentKind
	text string
}

// Controller is the session state machine.
type Controller struct {
	dial   Dialer
	engine Negotiator
	source media.Source
	remote Snapshotter
	notify Notifier

	intents chan intent

	// Everything below is owned by the Run goroutine.
	channel     Channel
	chanEvents  <-chan signaling.Event
	channelOpen bool
	pendingFind bool
	room        string
	role        negotiation.Role

	log *ChatLog

	mu    sync.RWMutex
	state State
}

// New assembles a controller. All collaborators are required; pass
// media.NullSource / NopNotifier where a real one is not wanted.
func New(dial Dialer, engine Negotiator, source media.Source, remote Snapshotter, notify Notifier) *Controller {
	return &Controller{
		dial:    dial,
		engine:  engine,
		source:  source,
		remote:  remote,
		notify:  notify,
		intents: make(chan intent, 16),
		log:     &ChatLog{},
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Room returns the current room identifier, empty when unpaired.
func (c *Controller) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// Log returns the chat log.
func (c *Controller) Log() *ChatLog {
	return c.log
}

// User intents. Safe to call from any goroutine; they are queued into the
// Run loop.

func (c *Controller) Start() { c.intents <- intent{kind: intentStart} }

func (c *Controller) Next() { c.intents <- intent{kind: intentNext} }

func (c *Controller) Stop() { c.intents <- intent{kind: intentStop} }

func (c *Controller) Chat(text string) { c.intents <- intent{kind: intentChat, text: text} }

func (c *Controller) Report() { c.intents <- intent{kind: intentReport} }

// Run processes events until ctx is cancelled. It is the only goroutine that
// touches the controller's session state.
func (c *Controller) Run(ctx context.Context) {
	defer func() {
		c.engine.End()
		if c.channel != nil {
			c.channel.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case in := <-c.intents:
			c.handleIntent(ctx, in)

		case ev, ok := <-c.chanEvents:
			if !ok {
				// Stream terminated. Normally the Closed event arrived
				// first and already reset everything; if it was dropped
				// under backpressure, the termination itself is the loss
				// signal.
				c.chanEvents = nil
				if c.channel != nil {
					c.channelLost()
				}
				continue
			}
			c.handleChannelEvent(ev)

		case ev := <-c.engine.Events():
			c.handleEngineEvent(ctx, ev)
		}
	}
}

// ───────────────────────────── user intents ─────────────────────────────

func (c *Controller) handleIntent(ctx context.Context, in intent) {
	switch in.kind {
	case intentStart:
		c.start(ctx)
	case intentNext:
		c.next()
	case intentStop:
		c.stop()
	case intentChat:
		c.sendChat(in.text)
	case intentReport:
		c.report()
	}
}

func (c *Controller) start(ctx context.Context) {
	if c.State() != Idle {
		c.notify.Status("already in a session")
		return
	}

	if c.channel == nil {
		ch, err := c.dial(ctx)
		if err != nil {
			util.LogError("failed to reach the server: %v", err)
			c.notify.Status("could not reach the server")
			return
		}
		c.channel = ch
		c.chanEvents = ch.Events()
		c.channelOpen = false
	}

	// The find is sent once the Opened event confirms the channel is usable.
	if c.channelOpen {
		c.sendFind()
	} else {
		c.pendingFind = true
		c.notify.Status("connecting…")
	}
}

func (c *Controller) next() {
	if s := c.State(); s != Matched && s != Connected {
		c.notify.Status("not chatting with anyone")
		return
	}
	c.send(&protocol.Message{Action: protocol.ActionNext})
	c.endNegotiation()
	c.sendFind()
}

func (c *Controller) stop() {
	if c.State() == Idle {
		return
	}
	// Leave the room (and, while still queued, the server ignores it).
	c.send(&protocol.Message{Action: protocol.ActionNext})
	c.log.Clear()
	c.endNegotiation()
	c.setState(Idle)
	c.notify.Status("stopped")
}

func (c *Controller) sendChat(text string) {
	if s := c.State(); s != Matched && s != Connected {
		c.notify.Status("no partner to chat with")
		return
	}
	c.log.Append(TagLocal, text)
	c.notify.Chat(TagLocal, text)
	util.Stats.AddChatOut()
	c.send(&protocol.Message{Action: protocol.ActionChat, Text: text})
}

// report captures whatever snapshots are available and submits them. A
// failed capture only degrades this report; images are optional on the wire.
func (c *Controller) report() {
	if s := c.State(); s != Matched && s != Connected {
		c.notify.Status("nothing to report")
		return
	}

	msg := &protocol.Message{
		Action:    protocol.ActionReport,
		Room:      c.room,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if frame, err := c.source.Snapshot(); err == nil {
		msg.Local = base64.StdEncoding.EncodeToString(frame)
	} else {
		util.LogDebug("local snapshot unavailable: %v", err)
	}
	if frame, err := c.remote.Snapshot(); err == nil {
		msg.Remote = base64.StdEncoding.EncodeToString(frame)
	} else {
		util.LogDebug("remote snapshot unavailable: %v", err)
	}

	c.send(msg)
	c.systemLine("report submitted")
}

// ──────────────────────────── channel events ────────────────────────────

func (c *Controller) handleChannelEvent(ev signaling.Event) {
	switch ev.Kind {
	case signaling.Opened:
		c.channelOpen = true
		if c.pendingFind {
			c.pendingFind = false
			c.sendFind()
		}

	case signaling.Inbound:
		c.handleMessage(ev.Msg)

	case signaling.Closed:
		c.channelLost()
	}
}

func (c *Controller) handleMessage(msg *protocol.Message) {
	switch msg.Action {
	case protocol.ActionWaiting:
		c.notify.Status("waiting for a partner…")

	case protocol.ActionMatched:
		c.matched(msg.Room, msg.Initiator)

	case protocol.ActionSignal:
		c.handleSignal(msg.Data)

	case protocol.ActionChat:
		c.log.Append(TagRemote, msg.Text)
		c.notify.Chat(TagRemote, msg.Text)
		util.Stats.AddChatIn()

	case protocol.ActionPartnerLeft:
		c.partnerLeft()

	case protocol.ActionReportResult:
		if msg.Status == "ok" {
			c.systemLine("report received (id " + msg.ReportID + ")")
		} else {
			c.systemLine("report failed: " + msg.Text)
		}

	default:
		// Valid frame, but nothing a client acts on.
		util.LogDebug("ignoring %s frame", msg.Action)
	}
}

// matched stores room and role together and kicks off negotiation. A match
// delivered while idle (stop raced with the pairing) is declined so the
// partner is freed immediately.
func (c *Controller) matched(room string, initiator bool) {
	if c.State() == Idle {
		c.send(&protocol.Message{Action: protocol.ActionNext})
		return
	}

	role := negotiation.RoleResponder
	if initiator {
		role = negotiation.RoleInitiator
	}
	c.setPairing(room, role)
	c.setState(Matched)
	util.Stats.AddMatch()
	c.notify.Status("partner found, connecting media…")

	// A signal frame may have overtaken this assignment; the engine adopts
	// the peer connection it already built in that case.
	offer, err := c.engine.Begin(role)
	if err != nil {
		util.LogError("negotiation start failed: %v", err)
		c.abandonSession("could not start the call, searching again…")
		return
	}
	if offer != nil {
		c.send(&protocol.Message{Action: protocol.ActionSignal, Data: offer})
	}
}

// handleSignal forwards one relayed negotiation payload to the engine. It is
// accepted in any non-idle state: a signal frame can race ahead of matched.
func (c *Controller) handleSignal(payload *protocol.SignalPayload) {
	if payload == nil || c.State() == Idle {
		return
	}

	out, err := c.engine.HandleRemote(payload)
	if err != nil {
		util.LogError("negotiation failed: %v", err)
		c.abandonSession("call setup failed, searching again…")
		return
	}
	if out != nil {
		c.send(&protocol.Message{Action: protocol.ActionSignal, Data: out})
	}
}

func (c *Controller) partnerLeft() {
	c.log.Clear()
	c.endNegotiation()
	c.notify.Status("partner left, searching again…")
	c.sendFind()
}

// channelLost handles the terminal Closed event: everything resets to Idle.
// There is no automatic redial; a later start intent dials fresh.
func (c *Controller) channelLost() {
	c.channel = nil
	c.channelOpen = false
	c.pendingFind = false
	c.log.Clear()
	c.endNegotiation()
	c.setState(Idle)
	c.notify.Status("connection to server lost")
}

// ───────────────────────────── engine events ─────────────────────────────

func (c *Controller) handleEngineEvent(ctx context.Context, ev negotiation.Event) {
	switch ev.Kind {
	case negotiation.LocalCandidate:
		c.send(&protocol.Message{Action: protocol.ActionSignal, Data: &protocol.SignalPayload{
			Candidate:     ev.Candidate.Candidate,
			SDPMid:        ev.Candidate.SDPMid,
			SDPMLineIndex: ev.Candidate.SDPMLineIndex,
		}})

	case negotiation.RemoteTrack:
		c.notify.RemoteTrack(ev.Track)

	case negotiation.ConnState:
		c.connStateChanged(ev.State)
	}
}

// connStateChanged surfaces peer connection transitions as status only.
// Teardown is driven solely by signaling events, never from here.
func (c *Controller) connStateChanged(state webrtc.PeerConnectionState) {
	util.LogDebug("peer connection state: %s", state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if c.State() == Matched {
			c.setState(Connected)
		}
		c.notify.Status("media connected")
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		c.systemLine("media connection " + state.String())
	}
}

// ──────────────────────────────── helpers ────────────────────────────────

func (c *Controller) sendFind() {
	c.send(&protocol.Message{Action: protocol.ActionFind})
	c.setState(Searching)
	c.notify.Status("searching for a partner…")
}

// send writes one message, logging delivery failures. A dead channel also
// produces a Closed event, which performs the actual state reset.
func (c *Controller) send(msg *protocol.Message) {
	if c.channel == nil {
		util.LogWarning("dropping %s: no signaling channel", msg.Action)
		return
	}
	if err := c.channel.Send(msg); err != nil {
		util.LogWarning("failed to send %s: %v", msg.Action, err)
	}
}

// abandonSession tears the current pairing down after a fatal negotiation
// error and re-enters the queue, mirroring the partner_left path.
func (c *Controller) abandonSession(status string) {
	c.send(&protocol.Message{Action: protocol.ActionNext})
	c.log.Clear()
	c.endNegotiation()
	c.notify.Status(status)
	c.sendFind()
}

// endNegotiation releases the peer connection and the pairing identifiers.
func (c *Controller) endNegotiation() {
	if c.Room() != "" {
		util.Stats.AddEnded()
	}
	c.engine.End()
	c.remote.Reset()
	c.setPairing("", "")
}

func (c *Controller) systemLine(text string) {
	c.log.Append(TagSystem, text)
	c.notify.Chat(TagSystem, text)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// setPairing updates room and role together; they are both set or both unset.
func (c *Controller) setPairing(room string, role negotiation.Role) {
	c.mu.Lock()
	c.room = room
	c.role = role
	c.mu.Unlock()
}
