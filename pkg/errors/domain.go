package errors

import (
	stderrors "errors"
	"net/http"

	"lecturecast/internal/core/domain"
)

// FromDomain maps a service error onto the transport taxonomy. Errors that
// already are AppErrors pass through; unknown errors become internal errors.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrCapacityExceeded):
		return WrapError(err, ErrCodeCapacityExceeded, "streaming capacity reached, try again later", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrStreamNotFound):
		return WrapError(err, ErrCodeNotFound, "this session doesn't exist or has ended", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrSessionEnded):
		return WrapError(err, ErrCodeNotFound, "this session doesn't exist or has ended", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrInvalidToken), stderrors.Is(err, domain.ErrSessionInactive):
		return WrapError(err, ErrCodeTokenInvalid, "your access has expired, re-authenticate", http.StatusUnauthorized)
	case stderrors.Is(err, domain.ErrPipelineFailed):
		return WrapError(err, ErrCodePipelineFailed, "the stream failed to start, contact support", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrUnauthenticated):
		return WrapError(err, ErrCodeUnauthorized, "authentication required", http.StatusUnauthorized)
	case stderrors.Is(err, domain.ErrForbidden):
		return WrapError(err, ErrCodeForbidden, "insufficient permissions", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrInvalidQuality), stderrors.Is(err, domain.ErrInvalidInput):
		return WrapError(err, ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrSessionStarting):
		return WrapError(err, ErrCodeSessionStarting, "the session is still starting, try again shortly", http.StatusConflict)
	case stderrors.Is(err, domain.ErrSessionExists):
		return WrapError(err, ErrCodeConflict, "session already exists", http.StatusConflict)
	case stderrors.Is(err, domain.ErrInvalidStatus):
		return WrapError(err, ErrCodeConflict, "the session cannot change to that state", http.StatusConflict)
	case stderrors.Is(err, domain.ErrUnavailable):
		return WrapError(err, ErrCodeServiceUnavailable, "a dependent service is unavailable, try again later", http.StatusServiceUnavailable)
	default:
		return WrapError(err, ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
	}
}
