package remote

import "errors"

var (
	ErrNotFound      = errors.New("remote: not found")
	ErrConflict      = errors.New("remote: conflict")
	ErrInvalidCursor = errors.New("remote: invalid cursor")
	ErrNotFile       = errors.New("remote: not a file")
)
