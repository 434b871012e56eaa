package erp

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSessionExpired is reported by the transport when the ERP rejects the session token.
	ErrSessionExpired = errors.New("erp session expired")
	ErrNotFound       = errors.New("erp entity not found")
	// ErrFieldNotWritable guards the push-back whitelist.
	ErrFieldNotWritable = errors.New("erp field is not writable")
)

// AuthenticationError is returned when login exhausted its retries.
type AuthenticationError struct {
	Attempts int
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("erp login failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SessionError is returned when a request still fails with an expired session
// after one re-authentication.
type SessionError struct {
	Method string
	Path   string
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("erp session rejected twice for %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// FetchError is a transport or format failure reported by the ERP API.
type FetchError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("erp api error %d on %s %s: %s", e.StatusCode, e.Method, e.Path, e.Body)
	}
	return fmt.Sprintf("erp request %s %s failed: %v", e.Method, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsStatus reports whether err is a FetchError carrying the given HTTP status.
func IsStatus(err error, status int) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.StatusCode == status
}

// IsSessionFailure reports whether err means the connection could not be
// authenticated, which fails the whole job rather than a single record.
func IsSessionFailure(err error) bool {
	var authErr *AuthenticationError
	var sessErr *SessionError
	return errors.As(err, &authErr) || errors.As(err, &sessErr)
}

// IsRetryable reports whether a failed call may succeed if repeated later.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode == 0 || fe.StatusCode == http.StatusTooManyRequests || fe.StatusCode >= http.StatusInternalServerError
	}
	return IsSessionFailure(err)
}
