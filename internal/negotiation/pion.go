package negotiation

import (
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the slice of the peer-connection capability the engine
// needs. The real implementation wraps pion; tests substitute a fake.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	AddRecvOnlyTransceivers() error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// STUN servers for ICE candidate gathering. No TURN — sessions that need a
// relay simply fail to connect and the user skips to the next partner.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// pionConn adapts *webrtc.PeerConnection to the PeerConnection interface.
type pionConn struct {
	pc *webrtc.PeerConnection
}

// newPionConn creates a PeerConnection configured with Google STUN servers.
func newPionConn() (PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	return &pionConn{pc: pc}, nil
}

func (p *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *pionConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

func (p *pionConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(init)
}

func (p *pionConn) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionConn) AddRecvOnlyTransceivers() error {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init); err != nil {
		return err
	}
	_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init)
	return err
}

func (p *pionConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

func (p *pionConn) OnTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}
