package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ehr/teleconsult/internal/domain/scheduling"
	"github.com/ehr/teleconsult/internal/platform/auth"
)

// Session is the relay's view of one connection. A connection occupies at
// most one room at a time.
type Session struct {
	relay     *Relay
	identity  auth.Identity
	transport Transport

	mu     sync.Mutex
	roomID string
	closed bool
}

// Open binds a new session to t using the identity carried by ctx.
func (r *Relay) Open(ctx context.Context, t Transport) (*Session, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &Session{relay: r, identity: id, transport: t}, nil
}

func (s *Session) Identity() auth.Identity { return s.identity }

// RoomID returns the room this session is admitted to, or "".
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// HandleMessage dispatches one inbound frame. Failures are reported to the
// sender as error frames and never end the connection.
func (s *Session) HandleMessage(ctx context.Context, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		s.reply(errorNotice("", err))
		return
	}

	switch {
	case msg.Type == TypeJoin:
		err = s.Join(ctx, msg.RoomID)
	case msg.Type == TypeLeave:
		err = s.Leave(msg.RoomID)
	case msg.Type == TypeStatus:
		err = s.requestStatus(ctx, msg)
	case IsRelayed(msg.Type):
		err = s.relay.Forward(msg.RoomID, s.identity, s.transport, msg.Type, data)
	default:
		err = fmt.Errorf("%w: unknown message type %q", ErrBadRequest, msg.Type)
	}
	if err != nil {
		s.relay.logger.Debug().
			Err(err).
			Str("room_id", msg.RoomID).
			Str("subject_id", s.identity.SubjectID).
			Str("type", msg.Type).
			Msg("signaling message failed")
		s.reply(errorNotice(msg.RoomID, err))
	}
}

// Join runs the full join protocol for roomID.
func (s *Session) Join(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotAdmitted
	}
	if s.roomID != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, s.roomID)
	}
	if _, err := s.relay.Join(ctx, s.identity, s.transport, roomID); err != nil {
		return err
	}
	s.roomID = roomID
	return nil
}

// Leave gives up the session's room. An empty roomID means the current one.
func (s *Session) Leave(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.roomID == "" || (roomID != "" && roomID != s.roomID) {
		return ErrNotAdmitted
	}
	left := s.roomID
	s.relay.Leave(left, s.identity.SubjectID)
	s.roomID = ""
	s.reply(Notice{Type: TypeLeft, RoomID: left})
	return nil
}

func (s *Session) requestStatus(ctx context.Context, msg Message) error {
	var body statusBody
	if len(msg.Body) == 0 || json.Unmarshal(msg.Body, &body) != nil {
		return fmt.Errorf("%w: status body must be {\"status\": ...}", ErrBadRequest)
	}
	target := scheduling.Status(body.Status)
	if !target.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrBadRequest, body.Status)
	}
	_, err := s.relay.RequestStatus(ctx, msg.RoomID, s.identity, s.transport, target)
	return err
}

// Close releases the session's membership. Disconnects and explicit leaves
// produce the same peer-left notice.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.roomID != "" {
		s.relay.Leave(s.roomID, s.identity.SubjectID)
		s.roomID = ""
	}
}

func (s *Session) reply(n Notice) {
	if !s.transport.Deliver(n.encode()) {
		s.relay.logger.Warn().
			Str("subject_id", s.identity.SubjectID).
			Str("type", n.Type).
			Msg("could not deliver notice to sender")
	}
}
