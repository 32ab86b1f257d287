package state

import "errors"

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrNotAuthenticated  = errors.New("connection is not authenticated")
	ErrAlreadyBound      = errors.New("connection is already authenticated")
	ErrRoleNotGranted    = errors.New("role not granted to this identity")
)
