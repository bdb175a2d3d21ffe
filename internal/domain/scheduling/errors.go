package scheduling

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("slot already booked")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
	// ErrStoreUnavailable means the record store could not be reached. It is
	// never reported as ErrNotFound.
	ErrStoreUnavailable = errors.New("record store unavailable")
)
