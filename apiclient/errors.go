package apiclient

import (
	"errors"
	"fmt"
)

// ErrAuthExpired indicates the session can no longer be recovered by a token
// refresh. Callers should send the user back through login.
var ErrAuthExpired = errors.New("authentication expired")

// ErrRefreshTimeout indicates the refresh call did not settle within the
// configured refresh timeout.
var ErrRefreshTimeout = errors.New("token refresh timed out")

// ErrNoRefreshToken indicates a refresh was required but no refresh token is stored.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// ErrSessionEnded is returned for calls made after the session was terminated
// or logged out. It matches ErrAuthExpired.
var ErrSessionEnded = fmt.Errorf("%w: session ended", ErrAuthExpired)

// errSessionChanged rejects a refresh whose session ended or was replaced
// while the call was in flight.
var errSessionChanged = fmt.Errorf("%w: session changed during refresh", ErrSessionEnded)

// ErrNoSession is returned by Token when no access token is stored.
var ErrNoSession = errors.New("no active session")

// NetworkError reports a call that never produced a response.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError reports a non-2xx response other than an authentication failure.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	var errResp ErrorResponse
	if err := json.Unmarshal(e.Body, &errResp); err == nil && errResp.Message() != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, errResp.Message())
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, string(e.Body))
}

// ErrorResponse is the error envelope returned by the API.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"message"`
}

// Message picks the most descriptive field that is set.
func (r ErrorResponse) Message() string {
	switch {
	case r.Msg != "":
		return r.Msg
	case r.Error != "" && r.ErrorDescription != "":
		return r.Error + ": " + r.ErrorDescription
	default:
		return r.Error
	}
}

// authExpired wraps cause so that it matches both ErrAuthExpired and cause.
func authExpired(cause error) error {
	if cause == nil || errors.Is(cause, ErrAuthExpired) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrAuthExpired, cause)
}
