package domain

import "errors"

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrSessionEnded     = errors.New("session has ended")
	ErrSessionStarting  = errors.New("session is still starting")
	ErrCapacityExceeded = errors.New("concurrent stream capacity reached")
	ErrInvalidToken     = errors.New("invalid token")
	ErrSessionInactive  = errors.New("session is not active")
	ErrPipelineFailed   = errors.New("media pipeline failed")
	ErrInvalidQuality   = errors.New("invalid quality tier")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrSessionExists    = errors.New("session already exists")
	ErrInvalidStatus    = errors.New("invalid status transition")
	ErrUnavailable      = errors.New("upstream service unavailable")
)
