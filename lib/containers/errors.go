package containers

import "errors"

var (
	ErrNotFound      = errors.New("container not found")
	ErrAlreadyExists = errors.New("container already exists")
	ErrInUse         = errors.New("container is running")
	ErrInvalid       = errors.New("invalid request")
	ErrSpawnFailed   = errors.New("tracer spawn failed")
	ErrStopFailed    = errors.New("stop failed")
)
