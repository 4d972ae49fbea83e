package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

// Client to server.
const (
	MessageTypeAuth       MessageType = "auth"
	MessageTypeStart      MessageType = "start"
	MessageTypeNext       MessageType = "next"
	MessageTypeDisconnect MessageType = "disconnect"
	MessageTypeReport     MessageType = "report"
)

// Both directions. Offers, answers and candidates flow from one client to its
// partner unchanged.
const (
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "candidate"
)

// Server to client.
const (
	MessageTypeMatched  MessageType = "matched"
	MessageTypePeerLeft MessageType = "peer_left"
	MessageTypeError    MessageType = "error"
	MessageTypeClosed   MessageType = "closed"
)

// SDP mirrors the browser RTCSessionDescriptionInit shape.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors the browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is the wire envelope on the signaling WebSocket. Exactly the fields
// for the given type may be set; parsing is strict in both directions.
type Message struct {
	Type MessageType `json:"type"`

	// Auth credential, first message when AUTH_MODE != none.
	APIKey string `json:"apiKey,omitempty"`

	// Pairing result fields for "matched".
	RoomID    string `json:"roomId,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
	Initiator *bool  `json:"initiator,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// Error / close details.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ParseMessage decodes one client message strictly: unknown fields, trailing
// data and type/payload mismatches are all errors.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case MessageTypeAuth:
		if m.APIKey == "" {
			return fmt.Errorf("auth message missing apiKey")
		}
		if m.SDP != nil || m.Candidate != nil || m.hasServerFields() {
			return fmt.Errorf("auth message has unexpected fields")
		}
	case MessageTypeStart, MessageTypeNext, MessageTypeDisconnect, MessageTypeReport:
		if m.APIKey != "" || m.SDP != nil || m.Candidate != nil || m.hasServerFields() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if m.SDP.SDP == "" {
			return fmt.Errorf("%s message has empty sdp", m.Type)
		}
		if m.APIKey != "" || m.Candidate != nil || m.hasServerFields() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.APIKey != "" || m.SDP != nil || m.hasServerFields() {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case "":
		return fmt.Errorf("missing message type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// hasServerFields reports whether any server-to-client field is set on an
// inbound message.
func (m Message) hasServerFields() bool {
	return m.RoomID != "" || m.PeerID != "" || m.Initiator != nil ||
		m.Code != "" || m.Message != "" || m.Reason != ""
}
