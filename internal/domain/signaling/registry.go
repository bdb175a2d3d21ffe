package signaling

import (
	"sync"

	"github.com/ehr/teleconsult/internal/platform/auth"
)

// MaxOccupants is the number of participants a room holds: one provider and
// one patient.
const MaxOccupants = 2

// Transport is the outbound half of one signaling connection. Deliver must
// not block; it reports false when the frame could not be queued.
type Transport interface {
	ID() string
	Deliver(msg []byte) bool
}

// Member is one admitted participant.
type Member struct {
	SubjectID string
	Role      auth.Role
	Transport Transport
}

type room struct {
	mu      sync.Mutex
	members []Member
	closed  bool
}

// Registry tracks live room membership. Each room has its own mutex so joins
// and leaves in different rooms never contend. Rooms exist only while they
// have members.
//
// Lock order is room then registry; the registry lock is never held while
// acquiring a room lock.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// acquire returns the locked room for id, creating it if needed.
func (r *Registry) acquire(id string) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[id]
		if !ok {
			rm = &room{}
			r.rooms[id] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	}
}

// lookup returns the locked room for id, or nil if it does not exist.
func (r *Registry) lookup(id string) *room {
	r.mu.Lock()
	rm := r.rooms[id]
	r.mu.Unlock()
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil
	}
	return rm
}

// release unlocks rm, pruning it first if it has no members left.
func (r *Registry) release(id string, rm *room) {
	if len(rm.members) == 0 {
		rm.closed = true
		r.mu.Lock()
		if r.rooms[id] == rm {
			delete(r.rooms, id)
		}
		r.mu.Unlock()
	}
	rm.mu.Unlock()
}

// Admit adds m to the room and returns the members that were already there.
// onAdmit, if set, runs with the room locked so notices it sends are ordered
// before any later leave in the same room.
func (r *Registry) Admit(roomID string, m Member, onAdmit func(prior []Member)) ([]Member, error) {
	rm := r.acquire(roomID)
	defer r.release(roomID, rm)

	if len(rm.members) >= MaxOccupants {
		return nil, ErrRoomFull
	}
	for _, existing := range rm.members {
		if existing.Role == m.Role {
			return nil, ErrRoleConflict
		}
	}

	prior := make([]Member, len(rm.members))
	copy(prior, rm.members)
	rm.members = append(rm.members, m)
	if onAdmit != nil {
		onAdmit(prior)
	}
	return prior, nil
}

// Remove drops subjectID from the room. It is idempotent. The returned
// member is the peer still present, if any. onRemove runs with the room
// locked and only when a member was actually removed.
func (r *Registry) Remove(roomID, subjectID string, onRemove func(peer *Member)) (Member, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return Member{}, false
	}
	defer r.release(roomID, rm)

	idx := -1
	for i, m := range rm.members {
		if m.SubjectID == subjectID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return firstMember(rm.members)
	}
	rm.members = append(rm.members[:idx], rm.members[idx+1:]...)

	peer, ok := firstMember(rm.members)
	if onRemove != nil {
		if ok {
			onRemove(&peer)
		} else {
			onRemove(nil)
		}
	}
	return peer, ok
}

func firstMember(members []Member) (Member, bool) {
	if len(members) == 0 {
		return Member{}, false
	}
	return members[0], true
}

// PeerOf returns the other occupant of the room.
func (r *Registry) PeerOf(roomID, subjectID string) (Member, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return Member{}, false
	}
	defer rm.mu.Unlock()
	for _, m := range rm.members {
		if m.SubjectID != subjectID {
			return m, true
		}
	}
	return Member{}, false
}

// Route resolves the destination for a frame sent by subjectID over
// transportID. admitted is false unless that exact transport holds the
// membership; peer is nil when the sender is alone.
func (r *Registry) Route(roomID, subjectID, transportID string) (peer Transport, admitted bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil, false
	}
	defer rm.mu.Unlock()
	for _, m := range rm.members {
		if m.SubjectID == subjectID && m.Transport.ID() == transportID {
			admitted = true
		} else {
			peer = m.Transport
		}
	}
	if !admitted {
		return nil, false
	}
	return peer, true
}

// Broadcast delivers msg to every member of the room and returns the number
// of transports that accepted it.
func (r *Registry) Broadcast(roomID string, msg []byte) int {
	rm := r.lookup(roomID)
	if rm == nil {
		return 0
	}
	defer rm.mu.Unlock()
	n := 0
	for _, m := range rm.members {
		if m.Transport.Deliver(msg) {
			n++
		}
	}
	return n
}

// Members returns a snapshot of the room's occupants.
func (r *Registry) Members(roomID string) []Member {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}
	defer rm.mu.Unlock()
	out := make([]Member, len(rm.members))
	copy(out, rm.members)
	return out
}

// RoomCount returns the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
