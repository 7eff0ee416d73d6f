package repository

import "errors"

var (
	// ErrNotFound indicates a document or key was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrPermissionDenied indicates the backing storage refused a write.
	ErrPermissionDenied = errors.New("repository: permission denied")
	// ErrInvalidArgument indicates a malformed handle location or key.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)
