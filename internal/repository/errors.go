package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the store rejected a malformed value.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrConflict indicates a write against a campaign run that already reached a terminal state.
	ErrConflict = errors.New("repository: conflict")
)
