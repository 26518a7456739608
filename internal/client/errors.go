package client

import (
	"errors"
	"fmt"
)

var (
	// ErrPushNotFound indicates the push doesn't exist in the backend
	ErrPushNotFound = errors.New("push not found in backend")

	// ErrJobNotFound indicates the job doesn't exist in the backend
	ErrJobNotFound = errors.New("job not found in backend")

	// ErrUnauthorized indicates backend authentication failed
	ErrUnauthorized = errors.New("backend authentication failed")

	// ErrBackendUnavailable indicates the backend is temporarily unavailable
	ErrBackendUnavailable = errors.New("backend temporarily unavailable")
)

// APIError represents an error response the backend returned
type APIError struct {
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}
