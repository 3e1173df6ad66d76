// Package protocol defines the JSON signaling protocol spoken with the
// matchmaking server.
package protocol

// Action identifies the kind of signaling message.
type Action string

const (
	ActionFind         Action = "find"          // client→server: enter the matchmaking queue
	ActionWaiting      Action = "waiting"       // server→client: still queued
	ActionMatched      Action = "matched"       // server→client: paired into a room
	ActionSignal       Action = "signal"        // both: relay one negotiation payload
	ActionChat         Action = "chat"          // both: relay one text message
	ActionNext         Action = "next"          // client→server: leave the current room
	ActionPartnerLeft  Action = "partner_left"  // server→client: the paired peer left
	ActionReport       Action = "report"        // client→server: abuse report
	ActionReportResult Action = "report_result" // server→client: report acknowledgement
)

// Message is the wire frame exchanged over the signaling channel. Exactly the
// fields relevant to the action are populated; the rest stay at their zero
// values and are omitted from the encoding.
type Message struct {
	Action    Action         `json:"action"`
	Room      string         `json:"room,omitempty"`
	Initiator bool           `json:"initiator,omitempty"`
	Data      *SignalPayload `json:"data,omitempty"`
	Text      string         `json:"message,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Local     string         `json:"local_image,omitempty"`
	Remote    string         `json:"remote_image,omitempty"`
	Status    string         `json:"status,omitempty"`
	ReportID  string         `json:"report_id,omitempty"`
}

// SignalPayload carries one negotiation message: either a session description
// (Type + SDP) or a trickle ICE candidate. Only the three candidate fields
// below are guaranteed to survive the text protocol, so they are the only
// ones relayed.
type SignalPayload struct {
	Type          string  `json:"type,omitempty"` // "offer" or "answer"
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// IsCandidate reports whether the payload carries a trickle ICE candidate
// rather than a session description.
func (p *SignalPayload) IsCandidate() bool {
	return p != nil && p.Candidate != ""
}
