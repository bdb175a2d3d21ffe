package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/teleconsult/internal/domain/scheduling"
	"github.com/ehr/teleconsult/internal/platform/auth"
	"github.com/ehr/teleconsult/internal/platform/telemetry"
)

// Lifecycle is the part of the appointment service the relay depends on.
type Lifecycle interface {
	FindByRoom(ctx context.Context, roomID string) (*scheduling.Appointment, error)
	Transition(ctx context.Context, id uuid.UUID, caller auth.Identity, target scheduling.Status) (*scheduling.Appointment, error)
}

// Relay admits participants into appointment rooms and routes signaling
// frames between the two occupants. It never inspects frame bodies.
type Relay struct {
	lifecycle Lifecycle
	registry  *Registry
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

func NewRelay(lifecycle Lifecycle, registry *Registry, logger zerolog.Logger, metrics *telemetry.Metrics) *Relay {
	return &Relay{
		lifecycle: lifecycle,
		registry:  registry,
		logger:    logger.With().Str("component", "signaling").Logger(),
		metrics:   metrics,
	}
}

// Join admits id over t into roomID. A failed join leaves the registry
// untouched. On success the newcomer receives a joined notice listing the
// peers already present and each of them receives peer-joined.
func (r *Relay) Join(ctx context.Context, id auth.Identity, t Transport, roomID string) (prior []Member, err error) {
	defer func() {
		r.metrics.ObserveJoin(joinOutcome(err))
		r.metrics.SetActiveRooms(r.registry.RoomCount())
	}()

	a, err := r.lifecycle.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := checkAdmission(a, id); err != nil {
		return nil, err
	}

	m := Member{SubjectID: id.SubjectID, Role: id.Role, Transport: t}
	prior, err = r.registry.Admit(roomID, m, func(prior []Member) {
		peers := make([]string, len(prior))
		for i, p := range prior {
			peers[i] = p.SubjectID
		}
		t.Deliver(Notice{Type: TypeJoined, RoomID: roomID, Peers: peers}.encode())

		joined := Notice{Type: TypePeerJoined, RoomID: roomID, SubjectID: id.SubjectID}.encode()
		for _, p := range prior {
			p.Transport.Deliver(joined)
		}
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("room_id", roomID).
		Str("subject_id", id.SubjectID).
		Str("role", string(id.Role)).
		Int("peers", len(prior)).
		Msg("participant joined")
	return prior, nil
}

// Leave removes subjectID from roomID and tells the remaining peer. Calling
// it again for the same membership is a no-op.
func (r *Relay) Leave(roomID, subjectID string) {
	removed := false
	r.registry.Remove(roomID, subjectID, func(peer *Member) {
		removed = true
		if peer != nil {
			peer.Transport.Deliver(Notice{Type: TypePeerLeft, RoomID: roomID, SubjectID: subjectID}.encode())
		}
	})
	if !removed {
		return
	}
	r.metrics.SetActiveRooms(r.registry.RoomCount())
	r.logger.Info().
		Str("room_id", roomID).
		Str("subject_id", subjectID).
		Msg("participant left")
}

// Forward sends raw to the sender's peer. The sender must hold the room
// membership over this exact transport. A missing or unreachable peer is
// not an error.
func (r *Relay) Forward(roomID string, id auth.Identity, t Transport, msgType string, raw []byte) error {
	peer, admitted := r.registry.Route(roomID, id.SubjectID, t.ID())
	if !admitted {
		r.metrics.ObserveRelay(msgType, "rejected")
		r.logger.Debug().
			Str("room_id", roomID).
			Str("subject_id", id.SubjectID).
			Str("type", msgType).
			Msg("relay from non-member rejected")
		return ErrNotAdmitted
	}
	if peer == nil || !peer.Deliver(raw) {
		r.metrics.ObserveRelay(msgType, "dropped")
		return nil
	}
	r.metrics.ObserveRelay(msgType, "delivered")
	return nil
}

// RequestStatus transitions the room's appointment on behalf of an admitted
// participant and notifies every occupant of the new status.
func (r *Relay) RequestStatus(ctx context.Context, roomID string, id auth.Identity, t Transport, target scheduling.Status) (*scheduling.Appointment, error) {
	if _, admitted := r.registry.Route(roomID, id.SubjectID, t.ID()); !admitted {
		return nil, ErrNotAdmitted
	}
	a, err := r.lifecycle.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	a, err = r.lifecycle.Transition(ctx, a.ID, id, target)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(statusBody{Status: string(a.Status)})
	r.registry.Broadcast(roomID, Notice{Type: TypeStatusChanged, RoomID: roomID, Body: body}.encode())
	r.logger.Info().
		Str("room_id", roomID).
		Str("subject_id", id.SubjectID).
		Str("status", string(a.Status)).
		Msg("appointment status changed from call")
	return a, nil
}

// ActiveRooms reports the number of rooms with at least one member.
func (r *Relay) ActiveRooms() int {
	return r.registry.RoomCount()
}

// checkAdmission decides whether id may enter the appointment's room. A
// completed or cancelled appointment is InvalidState for every caller; only
// then is the caller checked against the provider and patient.
func checkAdmission(a *scheduling.Appointment, id auth.Identity) error {
	if a.Status.Terminal() {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidState, a.Status)
	}
	if !auth.IsParticipant(id, a.ProviderRef, a.PatientRef) {
		return scheduling.ErrForbidden
	}
	return nil
}

func joinOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	return ErrorCode(err)
}
