package tui

import "time"

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ ServerURL string }

// MsgSessionFound signals that a stored session was loaded.
type MsgSessionFound struct{ UserName, UserID string }

// MsgNoSession signals that the store holds no session.
type MsgNoSession struct{}

// MsgLoggingIn signals that a password login is in progress.
type MsgLoggingIn struct{ Email string }

// MsgLoginOK signals a successful login.
type MsgLoginOK struct{ UserName string }

// MsgLoginFailed signals a rejected login.
type MsgLoginFailed struct{ Err error }

// MsgLoggedOut signals that the session was removed.
type MsgLoggedOut struct{}

// MsgRequestStarted signals that an API request was sent.
type MsgRequestStarted struct{ Method, Path string }

// MsgRequestOK signals that an API request completed.
type MsgRequestOK struct {
	Method  string
	Path    string
	Status  int
	Elapsed time.Duration
}

// MsgRequestFailed signals that an API request failed.
type MsgRequestFailed struct {
	Method string
	Path   string
	Err    error
}

// MsgAccessTokenRejected signals that the server rejected the access token.
type MsgAccessTokenRejected struct {
	Method string
	Path   string
	Status int
}

// MsgRefreshStarted signals that a session refresh is in progress.
type MsgRefreshStarted struct{}

// MsgRefreshOK signals that the session was refreshed.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that the session refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgReplaying signals that a request is being re-sent with a fresh token.
type MsgReplaying struct{ Method, Path string }

// MsgSessionExpired signals that the session ended and the user must log in again.
type MsgSessionExpired struct{ Err error }

// MsgSummary signals the end of a batch of requests.
type MsgSummary struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }

// Summary describes a finished batch of requests.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Refreshes int64
	Elapsed   time.Duration
}
