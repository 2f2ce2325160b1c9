package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRateLimited       = errors.New("rate limited")
	ErrAuthExpired       = errors.New("auth expired")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Kind       error
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *HTTPError) Unwrap() error {
	return e.Kind
}

// Classify returns the taxonomy kind for an HTTP status, or nil when the
// failure is permanent for that call.
func Classify(statusCode int) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case statusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case statusCode >= 500 && statusCode <= 599:
		return ErrRemoteUnavailable
	case statusCode == http.StatusRequestTimeout:
		return ErrRemoteUnavailable
	default:
		return nil
	}
}

func NewHTTPError(statusCode int, code, message string, retryAfter time.Duration) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
		Kind:       Classify(statusCode),
	}
}

func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRemoteUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRemoteUnavailable)
}

func IsRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= 500 && statusCode <= 599)
}
