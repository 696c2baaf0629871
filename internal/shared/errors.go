package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input rejected at the boundary.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidStateTransition indicates a document status change that its lifecycle forbids.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrForbidden indicates the actor may not perform the action.
	ErrForbidden = errors.New("forbidden")
)
