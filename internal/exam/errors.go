package exam

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
	// ErrConflict is returned when a conditional write lost a race.
	ErrConflict = errors.New("conflict")
)
