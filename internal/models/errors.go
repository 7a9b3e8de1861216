package models

import "errors"

var (
	ErrNotFound        = errors.New("job not found")
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrClosed          = errors.New("client closed")
)
