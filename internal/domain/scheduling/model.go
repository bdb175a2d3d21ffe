package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// transitions lists every legal edge of the lifecycle graph.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Appointment is a scheduled session between one provider and one patient.
// RoomID is assigned once at creation and never changes.
type Appointment struct {
	ID            uuid.UUID `db:"id" json:"id"`
	ProviderRef   string    `db:"provider_ref" json:"provider_id"`
	PatientRef    string    `db:"patient_ref" json:"patient_id"`
	ScheduledDate string    `db:"scheduled_date" json:"date"`
	ScheduledTime string    `db:"scheduled_time" json:"time"`
	Status        Status    `db:"status" json:"status"`
	Reason        string    `db:"reason" json:"reason,omitempty"`
	RoomID        string    `db:"room_id" json:"room_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Slot returns the (provider, date, time) key this appointment occupies.
func (a *Appointment) Slot() SlotKey {
	return SlotKey{ProviderRef: a.ProviderRef, Date: a.ScheduledDate, Time: a.ScheduledTime}
}

// SlotKey identifies a bookable provider slot. Equality is exact.
type SlotKey struct {
	ProviderRef string
	Date        string
	Time        string
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.ProviderRef, k.Date, k.Time)
}

// CreateRequest carries the inputs of Create.
type CreateRequest struct {
	ProviderRef string `json:"provider_id"`
	PatientRef  string `json:"patient_id"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Reason      string `json:"reason"`
}

// Validate checks required fields and the date and time formats.
func (r CreateRequest) Validate() error {
	if r.ProviderRef == "" {
		return fmt.Errorf("%w: provider_id is required", ErrValidation)
	}
	if r.PatientRef == "" {
		return fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
	}
	if _, err := time.Parse(TimeLayout, r.Time); err != nil || len(r.Time) != len(TimeLayout) {
		return fmt.Errorf("%w: time must be HH:MM", ErrValidation)
	}
	return nil
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	ProviderRef string
	PatientRef  string
	Status      Status
}
