package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/teleconsult/internal/domain/scheduling"
	"github.com/ehr/teleconsult/internal/platform/auth"
	"github.com/ehr/teleconsult/internal/platform/telemetry"
)

type fakeTransport struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Deliver(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, append([]byte(nil), msg...))
	return true
}

func (f *fakeTransport) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTransport) raw() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *fakeTransport) notices(t *testing.T) []Notice {
	t.Helper()
	var out []Notice
	for _, frame := range f.raw() {
		var n Notice
		if err := json.Unmarshal(frame, &n); err != nil {
			t.Fatalf("undecodable frame %q: %v", frame, err)
		}
		out = append(out, n)
	}
	return out
}

func (f *fakeTransport) ofType(t *testing.T, typ string) []Notice {
	t.Helper()
	var out []Notice
	for _, n := range f.notices(t) {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeTransport) last(t *testing.T) Notice {
	t.Helper()
	all := f.notices(t)
	if len(all) == 0 {
		t.Fatal("transport received nothing")
	}
	return all[len(all)-1]
}

type fakeLifecycle struct {
	mu     sync.Mutex
	byRoom map[string]*scheduling.Appointment
	err    error
}

func newFakeLifecycle(appts ...*scheduling.Appointment) *fakeLifecycle {
	lc := &fakeLifecycle{byRoom: make(map[string]*scheduling.Appointment)}
	for _, a := range appts {
		lc.byRoom[a.RoomID] = a
	}
	return lc
}

func (l *fakeLifecycle) FindByRoom(_ context.Context, roomID string) (*scheduling.Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	a, ok := l.byRoom[roomID]
	if !ok {
		return nil, scheduling.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (l *fakeLifecycle) Transition(_ context.Context, id uuid.UUID, caller auth.Identity, target scheduling.Status) (*scheduling.Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.byRoom {
		if a.ID != id {
			continue
		}
		if !auth.CanManage(caller, a.ProviderRef, a.PatientRef) {
			return nil, scheduling.ErrForbidden
		}
		if !scheduling.CanTransition(a.Status, target) {
			return nil, scheduling.ErrInvalidTransition
		}
		a.Status = target
		a.UpdatedAt = time.Now()
		cp := *a
		return &cp, nil
	}
	return nil, scheduling.ErrNotFound
}

func (l *fakeLifecycle) setStatus(roomID string, s scheduling.Status) {
	l.mu.Lock()
	l.byRoom[roomID].Status = s
	l.mu.Unlock()
}

const testRoom = "room_00112233445566778899aabbccddeeff"

var (
	provider     = auth.Identity{SubjectID: "u-prov", Role: auth.RoleProvider, ProviderRef: "P1"}
	patient      = auth.Identity{SubjectID: "u-pat", Role: auth.RolePatient, PatientRef: "A1"}
	otherPatient = auth.Identity{SubjectID: "u-other", Role: auth.RolePatient, PatientRef: "B2"}
	otherDoc     = auth.Identity{SubjectID: "u-doc2", Role: auth.RoleProvider, ProviderRef: "P2"}
	admin        = auth.Identity{SubjectID: "u-admin", Role: auth.RoleAdmin}
)

func testAppointment(status scheduling.Status) *scheduling.Appointment {
	return &scheduling.Appointment{
		ID:            uuid.New(),
		ProviderRef:   "P1",
		PatientRef:    "A1",
		ScheduledDate: "2025-03-01",
		ScheduledTime: "09:00",
		Status:        status,
		RoomID:        testRoom,
	}
}

func newTestRelay(appts ...*scheduling.Appointment) (*Relay, *Registry, *fakeLifecycle) {
	lc := newFakeLifecycle(appts...)
	reg := NewRegistry()
	return NewRelay(lc, reg, zerolog.Nop(), telemetry.New(nil)), reg, lc
}

func openSession(t *testing.T, r *Relay, id auth.Identity, tr Transport) *Session {
	t.Helper()
	s, err := r.Open(auth.WithIdentity(context.Background(), id), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func mustJoin(t *testing.T, s *Session, roomID string) {
	t.Helper()
	if err := s.Join(context.Background(), roomID); err != nil {
		t.Fatalf("Join(%s) as %s: %v", roomID, s.Identity().SubjectID, err)
	}
}

func frame(typ, roomID string, body string) []byte {
	m := map[string]interface{}{"type": typ, "roomId": roomID}
	if body != "" {
		m["body"] = json.RawMessage(body)
	}
	data, _ := json.Marshal(m)
	return data
}
