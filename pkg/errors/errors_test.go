package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"lecturecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("stream_id", "stream_1").WithContext("count", 42)

	if err.Context["stream_id"] != "stream_1" {
		t.Errorf("Context[stream_id] = %v, want 'stream_1'", err.Context["stream_id"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	if GetAppError(appErr) != appErr {
		t.Error("GetAppError() should return the AppError itself")
	}
	if GetAppError(fmt.Errorf("handler: %w", appErr)) != appErr {
		t.Error("GetAppError() should find an AppError wrapped with %w")
	}
	if GetAppError(errors.New("regular error")) != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
}

func TestFromDomain(t *testing.T) {
	cases := []struct {
		err    error
		code   ErrorCode
		status int
	}{
		{domain.ErrCapacityExceeded, ErrCodeCapacityExceeded, http.StatusServiceUnavailable},
		{domain.ErrStreamNotFound, ErrCodeNotFound, http.StatusNotFound},
		{domain.ErrSessionEnded, ErrCodeNotFound, http.StatusNotFound},
		{domain.ErrInvalidToken, ErrCodeTokenInvalid, http.StatusUnauthorized},
		{domain.ErrPipelineFailed, ErrCodePipelineFailed, http.StatusBadGateway},
		{domain.ErrForbidden, ErrCodeForbidden, http.StatusForbidden},
		{domain.ErrInvalidQuality, ErrCodeInvalidInput, http.StatusBadRequest},
		{domain.ErrInvalidStatus, ErrCodeConflict, http.StatusConflict},
		{domain.ErrSessionStarting, ErrCodeSessionStarting, http.StatusConflict},
		{domain.ErrUnavailable, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			appErr := FromDomain(fmt.Errorf("service: %w", tc.err))
			assert.Equal(t, tc.code, appErr.Code)
			assert.Equal(t, tc.status, appErr.HTTPStatus)
			assert.ErrorIs(t, appErr, tc.err)
		})
	}

	assert.Nil(t, FromDomain(nil))
	limited := NewRateLimitError()
	assert.Same(t, limited, FromDomain(limited))
}
