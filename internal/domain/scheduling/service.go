package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/teleconsult/internal/platform/auth"
	"github.com/ehr/teleconsult/internal/platform/telemetry"
)

// Service is the appointment lifecycle manager. Transition is the only path
// that changes an appointment's status.
type Service struct {
	appointments AppointmentRepository
	directory    DirectoryRepository
	metrics      *telemetry.Metrics

	slotLocks   *keyedMutex
	recordLocks *keyedMutex
	now         func() time.Time
}

func NewService(appt AppointmentRepository, dir DirectoryRepository, metrics *telemetry.Metrics) *Service {
	return &Service{
		appointments: appt,
		directory:    dir,
		metrics:      metrics,
		slotLocks:    newKeyedMutex(),
		recordLocks:  newKeyedMutex(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Create books a new appointment. Both references must resolve to active
// directory records and the provider's slot must be free.
func (s *Service) Create(ctx context.Context, req CreateRequest) (a *Appointment, err error) {
	defer func() { s.metrics.ObserveCreate(outcome(err)) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	ok, err := s.directory.ProviderActive(ctx, req.ProviderRef)
	if err != nil {
		return nil, fmt.Errorf("looking up provider: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", req.ProviderRef, ErrNotFound)
	}
	ok, err = s.directory.PatientActive(ctx, req.PatientRef)
	if err != nil {
		return nil, fmt.Errorf("looking up patient: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", req.PatientRef, ErrNotFound)
	}

	slot := SlotKey{ProviderRef: req.ProviderRef, Date: req.Date, Time: req.Time}
	unlock := s.slotLocks.Lock(slot.String())
	defer unlock()

	existing, err := s.appointments.FindActiveBySlot(ctx, slot)
	switch {
	case err == nil && existing != nil:
		return nil, fmt.Errorf("slot %s: %w", slot, ErrConflict)
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("checking slot: %w", err)
	}

	now := s.now()
	a = &Appointment{
		ID:            uuid.New(),
		ProviderRef:   req.ProviderRef,
		PatientRef:    req.PatientRef,
		ScheduledDate: req.Date,
		ScheduledTime: req.Time,
		Status:        StatusScheduled,
		Reason:        req.Reason,
		RoomID:        newRoomID(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.appointments.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating appointment: %w", err)
	}
	return a, nil
}

// Transition moves an appointment to target on behalf of caller. Checks run
// in order: existence, authorization, then edge legality.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, caller auth.Identity, target Status) (a *Appointment, err error) {
	defer func() { s.metrics.ObserveTransition(string(target), outcome(err)) }()

	unlock := s.recordLocks.Lock(id.String())
	defer unlock()

	a, err = s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.CanManage(caller, a.ProviderRef, a.PatientRef) {
		return nil, ErrForbidden
	}
	if !CanTransition(a.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, target)
	}

	now := s.now()
	if err := s.appointments.UpdateStatus(ctx, a.ID, a.Status, target, now); err != nil {
		return nil, err
	}
	a.Status = target
	a.UpdatedAt = now
	return a, nil
}

// FindByRoom returns the appointment that owns roomID without any caller
// check. The signaling relay applies its own participant rule.
func (s *Service) FindByRoom(ctx context.Context, roomID string) (*Appointment, error) {
	if roomID == "" {
		return nil, ErrNotFound
	}
	return s.appointments.GetByRoomID(ctx, roomID)
}

// FindByRoomFor is FindByRoom restricted to the appointment's participants
// and admins.
func (s *Service) FindByRoomFor(ctx context.Context, roomID string, caller auth.Identity) (*Appointment, error) {
	a, err := s.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !auth.CanManage(caller, a.ProviderRef, a.PatientRef) {
		return nil, ErrForbidden
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID, caller auth.Identity) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.CanManage(caller, a.ProviderRef, a.PatientRef) {
		return nil, ErrForbidden
	}
	return a, nil
}

// List returns appointments visible to caller. Providers and patients only
// ever see their own; admins see everything matching filter.
func (s *Service) List(ctx context.Context, caller auth.Identity, filter ListFilter, limit, offset int) ([]*Appointment, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	switch caller.Role {
	case auth.RoleAdmin:
	case auth.RoleProvider:
		if caller.ProviderRef == "" {
			return nil, 0, ErrForbidden
		}
		filter.ProviderRef = caller.ProviderRef
	case auth.RolePatient:
		if caller.PatientRef == "" {
			return nil, 0, ErrForbidden
		}
		filter.PatientRef = caller.PatientRef
	default:
		return nil, 0, ErrForbidden
	}
	return s.appointments.List(ctx, filter, limit, offset)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "error"
}
