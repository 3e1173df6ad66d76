package negotiation

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/roulette-p2p/roulette/internal/protocol"
)

// fakeConn records every call so tests can assert on negotiation order.
type fakeConn struct {
	offers     int
	answers    int
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	recvOnly   bool
	closes     int

	onICE   func(*webrtc.ICECandidate)
	onTrack func(*webrtc.TrackRemote)
	onState func(webrtc.PeerConnectionState)

	remoteErr    error
	candidateErr error
}

func (f *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	f.local = append(f.local, sdp)
	return nil
}

func (f *fakeConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.remote = append(f.remote, sdp)
	return nil
}

func (f *fakeConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	if f.candidateErr != nil {
		return f.candidateErr
	}
	f.candidates = append(f.candidates, init)
	return nil
}

func (f *fakeConn) AddTrack(track webrtc.TrackLocal) error {
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeConn) AddRecvOnlyTransceivers() error {
	f.recvOnly = true
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.onICE = fn
}

func (f *fakeConn) OnTrack(fn func(*webrtc.TrackRemote)) {
	f.onTrack = fn
}

func (f *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onState = fn
}

func (f *fakeConn) Close() error {
	f.closes++
	return nil
}

func newTestEngine(fake *fakeConn) *Engine {
	e := NewEngine(nil)
	e.newConn = func() (PeerConnection, error) { return fake, nil }
	return e
}

func candidatePayload(c string) *protocol.SignalPayload {
	mid := "0"
	idx := uint16(0)
	return &protocol.SignalPayload{Candidate: c, SDPMid: &mid, SDPMLineIndex: &idx}
}

// TestInitiatorOffersExactlyOnce covers the initiator round trip: one offer
// out, the remote answer applied, and nothing further emitted.
func TestInitiatorOffersExactlyOnce(t *testing.T) {
	fake := &fakeConn{}
	e := newTestEngine(fake)

	offer, err := e.Begin(RoleInitiator)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if offer == nil || offer.Type != "offer" || offer.SDP != "offer-sdp" {
		t.Fatalf("Begin returned %+v, want the offer", offer)
	}
	if fake.offers != 1 {
		t.Errorf("offers = %d, want 1", fake.offers)
	}
	if len(fake.local) != 1 || fake.local[0].Type != webrtc.SDPTypeOffer {
		t.Errorf("local descriptions = %+v", fake.local)
	}
	if !fake.recvOnly {
		t.Error("no tracks given but no recv-only transceivers added")
	}

	out, err := e.HandleRemote(&protocol.SignalPayload{Type: "answer", SDP: "remote-answer"})
	if err != nil {
		t.Fatalf("HandleRemote(answer) failed: %v", err)
	}
	if out != nil {
		t.Errorf("answer produced a further signal: %+v", out)
	}
	if len(fake.remote) != 1 || fake.remote[0].Type != webrtc.SDPTypeAnswer {
		t.Errorf("remote descriptions = %+v", fake.remote)
	}
	if fake.answers != 0 {
		t.Errorf("initiator created %d answers", fake.answers)
	}
}

// TestResponderAnswersExactlyOnce covers the responder path: no offer at
// Begin, exactly one answer on the remote offer.
func TestResponderAnswersExactlyOnce(t *testing.T) {
	fake := &fakeConn{}
	e := newTestEngine(fake)

	offer, err := e.Begin(RoleResponder)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if offer != nil {
		t.Fatalf("responder produced an offer: %+v", offer)
	}
	if fake.offers != 0 {
		t.Errorf("offers = %d, want 0", fake.offers)
	}

	answer, err := e.HandleRemote(&protocol.SignalPayload{Type: "offer", SDP: "remote-offer"})
	if err != nil {
		t.Fatalf("HandleRemote(offer) failed: %v", err)
	}
	if answer == nil || answer.Type != "answer" || answer.SDP != "answer-sdp" {
		t.Fatalf("got %+v, want the answer", answer)
	}
	if fake.answers != 1 {
		t.Errorf("answers = %d, want 1", fake.answers)
	}
	if len(fake.local) != 1 || fake.local[0].Type != webrtc.SDPTypeAnswer {
		t.Errorf("local descriptions = %+v", fake.local)
	}
}

// TestCandidatesBufferedUntilRemoteDescription checks the
// candidate-before-description race: early candidates are buffered and
// applied in arrival order once the description lands; later ones apply
// immediately.
func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	fake := &fakeConn{}
	e := newTestEngine(fake)

	if _, err := e.Begin(RoleResponder); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		if _, err := e.HandleRemote(candidatePayload(c)); err != nil {
			t.Fatalf("buffered candidate errored: %v", err)
		}
	}
	if len(fake.candidates) != 0 {
		t.Fatalf("candidates applied before remote description: %v", fake.candidates)
	}

	if _, err := e.HandleRemote(&protocol.SignalPayload{Type: "offer", SDP: "remote-offer"}); err != nil {
		t.Fatalf("HandleRemote(offer) failed: %v", err)
	}

	want := []string{"cand-1", "cand-2", "cand-3"}
	if len(fake.candidates) != len(want) {
		t.Fatalf("applied %d candidates, want %d", len(fake.candidates), len(want))
	}
	for i, c := range want {
		if fake.candidates[i].Candidate != c {
			t.Errorf("candidate[%d] = %q, want %q (order not preserved)", i, fake.candidates[i].Candidate, c)
		}
	}

	if _, err := e.HandleRemote(candidatePayload("cand-4")); err != nil {
		t.Fatalf("late candidate errored: %v", err)
	}
	if len(fake.candidates) != 4 || fake.candidates[3].Candidate != "cand-4" {
		t.Errorf("late candidate not applied immediately: %v", fake.candidates)
	}
}

// TestCandidateApplyFailureIsNonFatal verifies a bad candidate never ends the
// session.
func TestCandidateApplyFailureIsNonFatal(t *testing.T) {
	fake := &fakeConn{candidateErr: errors.New("bad candidate")}
	e := newTestEngine(fake)

	if _, err := e.Begin(RoleResponder); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := e.HandleRemote(&protocol.SignalPayload{Type: "offer", SDP: "s"}); err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	if _, err := e.HandleRemote(candidatePayload("broken")); err != nil {
		t.Errorf("candidate failure surfaced as fatal: %v", err)
	}
	if !e.Active() {
		t.Error("engine ended after a candidate failure")
	}
}

// TestAnswerWithoutOfferRejected hardens the unexpected-ordering case: an
// answer with no pending local offer must not reach the peer connection.
func TestAnswerWithoutOfferRejected(t *testing.T) {
	fake := &fakeConn{}
	e := newTestEngine(fake)

	if _, err := e.Begin(RoleResponder); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	_, err := e.HandleRemote(&protocol.SignalPayload{Type: "answer", SDP: "bogus"})
	if !errors.Is(err, ErrUnexpectedAnswer) {
		t.Fatalf("err = %v, want ErrUnexpectedAnswer", err)
	}
	if len(fake.remote) != 0 {
		t.Errorf("bogus answer reached the peer connection: %v", fake.remote)
	}
}

// TestLazyConstructionOnEarlySignal covers a signal frame racing ahead of
// matched: the engine builds a peer connection on the spot and still answers.
func TestLazyConstructionOnEarlySignal(t *testing.T) {
	fake := &fakeConn{}
	e := newTestEngine(fake)

	answer, err := e.HandleRemote(&protocol.SignalPayload{Type: "offer", SDP: "early-offer"})
	if err != nil {
		t.Fatalf("HandleRemote failed: %v", err)
	}
	if answer == nil || answer.Type != "answer" {
		t.Fatalf("got %+v, want an answer", answer)
	}
	if !e.Active() {
		t.Error("no peer connection constructed")
	}
}

// TestBeginAdoptsLazyConnection covers the rest of the early-signal race:
// once the overtaken room assignment lands, Begin must adopt the connection
// the early offer created instead of failing and killing the session.
func TestBeginAdoptsLazyConnection(t *testing.T) {
	fake := &fakeConn{}
	e := newTestEngine(fake)

	if _, err := e.HandleRemote(&protocol.SignalPayload{Type: "offer", SDP: "early-offer"}); err != nil {
		t.Fatalf("HandleRemote failed: %v", err)
	}

	offer, err := e.Begin(RoleResponder)
	if err != nil {
		t.Fatalf("Begin after early signal failed: %v", err)
	}
	if offer != nil {
		t.Errorf("adoption produced a payload: %+v", offer)
	}
	if fake.closes != 0 {
		t.Error("adoption closed the negotiated connection")
	}
	if fake.answers != 1 {
		t.Errorf("answers = %d, want the one from the early offer", fake.answers)
	}
	if !e.Active() {
		t.Error("engine inactive after adoption")
	}

	// Adoption counts as the one Begin per session.
	if _, err := e.Begin(RoleResponder); !errors.Is(err, ErrInProgress) {
		t.Errorf("second Begin = %v, want ErrInProgress", err)
	}
}

// TestLazyConnectionCarriesLocalTracks checks an early-built connection still
// sends local media rather than degrading to receive-only.
func TestLazyConnectionCarriesLocalTracks(t *testing.T) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		t.Fatalf("track creation failed: %v", err)
	}

	fake := &fakeConn{}
	e := NewEngine([]webrtc.TrackLocal{track})
	e.newConn = func() (PeerConnection, error) { return fake, nil }

	if _, err := e.HandleRemote(&protocol.SignalPayload{Type: "offer", SDP: "early-offer"}); err != nil {
		t.Fatalf("HandleRemote failed: %v", err)
	}
	if len(fake.tracks) != 1 {
		t.Errorf("tracks attached = %d, want 1", len(fake.tracks))
	}
	if fake.recvOnly {
		t.Error("connection went receive-only despite local tracks")
	}
}

// TestEndDropsStaleEvents verifies a closed peer connection cannot speak into
// the next session, neither via buffered events nor via late callbacks.
func TestEndDropsStaleEvents(t *testing.T) {
	fake := &fakeConn{}
	e := newTestEngine(fake)

	if _, err := e.Begin(RoleInitiator); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	fake.onState(webrtc.PeerConnectionStateConnecting) // buffered
	stale := fake.onState

	e.End()
	stale(webrtc.PeerConnectionStateConnected) // late callback

	select {
	case ev := <-e.Events():
		t.Errorf("stale event survived End: %+v", ev)
	default:
	}
}

// TestEndIsIdempotent calls End twice and checks the observable state is the
// same as after one call.
func TestEndIsIdempotent(t *testing.T) {
	fake := &fakeConn{}
	e := newTestEngine(fake)

	if _, err := e.Begin(RoleInitiator); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	e.End()
	e.End()

	if fake.closes != 1 {
		t.Errorf("closes = %d, want 1", fake.closes)
	}
	if e.Active() {
		t.Error("engine still active after End")
	}

	// A fresh Begin must work after End.
	if _, err := e.Begin(RoleInitiator); err != nil {
		t.Errorf("Begin after End failed: %v", err)
	}
}

// TestBeginWhileActiveRejected keeps the zero-or-one peer connection
// invariant.
func TestBeginWhileActiveRejected(t *testing.T) {
	e := newTestEngine(&fakeConn{})
	if _, err := e.Begin(RoleInitiator); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := e.Begin(RoleInitiator); !errors.Is(err, ErrInProgress) {
		t.Fatalf("err = %v, want ErrInProgress", err)
	}
}

// TestConnectionStateEvents checks pion callbacks surface as engine events.
func TestConnectionStateEvents(t *testing.T) {
	fake := &fakeConn{}
	e := newTestEngine(fake)

	if _, err := e.Begin(RoleInitiator); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	fake.onState(webrtc.PeerConnectionStateConnected)

	select {
	case ev := <-e.Events():
		if ev.Kind != ConnState || ev.State != webrtc.PeerConnectionStateConnected {
			t.Errorf("got event %+v", ev)
		}
	default:
		t.Fatal("no event emitted for connection state change")
	}
}
