package signaling

import (
	"errors"

	"github.com/ehr/teleconsult/internal/domain/scheduling"
)

var (
	ErrInvalidState    = errors.New("appointment is no longer joinable")
	ErrRoomFull        = errors.New("room is full")
	ErrRoleConflict    = errors.New("role already present in room")
	ErrNotAdmitted     = errors.New("not admitted to room")
	ErrAlreadyJoined   = errors.New("connection already occupies a room")
	ErrBadRequest      = errors.New("malformed message")
	ErrUnauthenticated = errors.New("missing identity")
)

// Error codes carried by outbound error frames.
const (
	CodeNotFound          = "not-found"
	CodeForbidden         = "forbidden"
	CodeInvalidState      = "invalid-state"
	CodeRoomFull          = "room-full"
	CodeRoleConflict      = "role-conflict"
	CodeNotAdmitted       = "not-admitted"
	CodeAlreadyJoined     = "already-joined"
	CodeBadRequest        = "bad-request"
	CodeInvalidTransition = "invalid-transition"
	CodeStoreUnavailable  = "store-unavailable"
	CodeRateLimited       = "rate-limited"
	CodeInternal          = "internal"
)

// ErrorCode maps relay and lifecycle errors onto wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, scheduling.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, scheduling.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrRoomFull):
		return CodeRoomFull
	case errors.Is(err, ErrRoleConflict):
		return CodeRoleConflict
	case errors.Is(err, ErrNotAdmitted):
		return CodeNotAdmitted
	case errors.Is(err, ErrAlreadyJoined):
		return CodeAlreadyJoined
	case errors.Is(err, ErrBadRequest), errors.Is(err, scheduling.ErrValidation):
		return CodeBadRequest
	case errors.Is(err, scheduling.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, scheduling.ErrStoreUnavailable):
		return CodeStoreUnavailable
	}
	return CodeInternal
}
