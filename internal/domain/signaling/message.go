package signaling

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypeFormUpdate = "form-update"
	TypeDocReady   = "doc-ready"
	TypeStatus     = "status"
)

// Outbound notice types.
const (
	TypeJoined        = "joined"
	TypePeerJoined    = "peer-joined"
	TypePeerLeft      = "peer-left"
	TypeLeft          = "left"
	TypeStatusChanged = "status-changed"
	TypeError         = "error"
)

// relayed lists the types forwarded verbatim to the peer.
var relayed = map[string]bool{
	TypeOffer:      true,
	TypeAnswer:     true,
	TypeCandidate:  true,
	TypeFormUpdate: true,
	TypeDocReady:   true,
}

// IsRelayed reports whether frames of type t are forwarded to the peer.
func IsRelayed(t string) bool { return relayed[t] }

// Message is an inbound frame. Body is opaque to the relay.
type Message struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// ParseMessage decodes a frame and checks the fields every type needs.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrBadRequest)
	}
	if m.RoomID == "" && m.Type != TypeLeave {
		return Message{}, fmt.Errorf("%w: missing roomId", ErrBadRequest)
	}
	return m, nil
}

// Notice is an outbound frame generated by the relay itself.
type Notice struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	SubjectID string          `json:"subjectId,omitempty"`
	Peers     []string        `json:"peers,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func (n Notice) encode() []byte {
	data, _ := json.Marshal(n)
	return data
}

func errorNotice(roomID string, err error) Notice {
	return Notice{Type: TypeError, RoomID: roomID, Code: ErrorCode(err), Message: err.Error()}
}

// RateLimitedNotice is sent by transports that drop frames over their
// inbound budget.
func RateLimitedNotice() []byte {
	return Notice{Type: TypeError, Code: CodeRateLimited, Message: "too many messages"}.encode()
}

type statusBody struct {
	Status string `json:"status"`
}
