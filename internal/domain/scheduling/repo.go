package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	// Create persists a new appointment. It fails with ErrConflict if a
	// non-cancelled appointment already holds the same slot.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByRoomID(ctx context.Context, roomID string) (*Appointment, error)
	FindActiveBySlot(ctx context.Context, slot SlotKey) (*Appointment, error)
	// UpdateStatus moves the appointment from one status to another. It fails
	// with ErrInvalidTransition if the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Appointment, int, error)
}

// DirectoryRepository answers read-only existence checks against provider
// and patient master data.
type DirectoryRepository interface {
	ProviderActive(ctx context.Context, ref string) (bool, error)
	PatientActive(ctx context.Context, ref string) (bool, error)
}
