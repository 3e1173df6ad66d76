package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError marks a frame that failed validation. Receivers discard such
// frames instead of tearing the session down.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("undecodable frame: %s", e.Reason)
}

// knownActions is the closed set of actions a peer may receive. Anything
// outside it decodes to a DecodeError so unexpected shapes cannot reach the
// negotiation logic.
var knownActions = map[Action]bool{
	ActionFind:         true,
	ActionWaiting:      true,
	ActionMatched:      true,
	ActionSignal:       true,
	ActionChat:         true,
	ActionNext:         true,
	ActionPartnerLeft:  true,
	ActionReport:       true,
	ActionReportResult: true,
}

// Decode parses a raw signaling frame into a Message. It fails with a
// *DecodeError for non-JSON input, a missing action, or an action outside
// the protocol's closed set.
func Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if msg.Action == "" {
		return nil, &DecodeError{Reason: "missing action"}
	}
	if !knownActions[msg.Action] {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown action %q", msg.Action)}
	}
	return &msg, nil
}

// Encode serializes a Message into a JSON frame.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}
