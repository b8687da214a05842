package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/subshare-cli/apiclient"
)

// Displayer abstracts all output from the CLI commands. It also receives the
// client's session recovery notifications, possibly from several goroutines.
type Displayer interface {
	apiclient.Observer

	Banner(serverURL string)
	SessionFound(userName, userID string)
	NoSession()
	LoggingIn(email string)
	LoginOK(userName string)
	LoginFailed(err error)
	LoggedOut()
	RequestStarted(method, path string)
	RequestOK(method, path string, status int, elapsed time.Duration)
	RequestFailed(method, path string, err error)
	SessionExpired(err error)
	Summary(s Summary)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *PlainDisplayer) Banner(serverURL string) {
	p.printf("=== Subscription Sharing CLI (%s) ===\n\n", serverURL)
}

func (p *PlainDisplayer) SessionFound(userName, userID string) {
	p.printf("Logged in as %s (id %s)\n", userName, userID)
}

func (p *PlainDisplayer) NoSession() {
	p.printf("Not logged in. Run 'subshare login' first.\n")
}

func (p *PlainDisplayer) LoggingIn(email string) {
	p.printf("Logging in as %s...\n", email)
}

func (p *PlainDisplayer) LoginOK(userName string) {
	p.printf("Login successful! Welcome, %s.\n", userName)
}

func (p *PlainDisplayer) LoginFailed(err error) {
	p.printf("Login failed: %v\n", err)
}

func (p *PlainDisplayer) LoggedOut() {
	p.printf("Logged out.\n")
}

func (p *PlainDisplayer) RequestStarted(method, path string) {
	p.printf("%s %s\n", method, path)
}

func (p *PlainDisplayer) RequestOK(method, path string, status int, elapsed time.Duration) {
	p.printf("%s %s -> %d (%s)\n", method, path, status, elapsed.Round(time.Millisecond))
}

func (p *PlainDisplayer) RequestFailed(method, path string, err error) {
	p.printf("%s %s failed: %v\n", method, path, err)
}

func (p *PlainDisplayer) AccessTokenRejected(method, path string, status int) {
	p.printf("Access token rejected (%d) for %s %s\n", status, method, path)
}

func (p *PlainDisplayer) RefreshStarted() {
	p.printf("Refreshing session...\n")
}

func (p *PlainDisplayer) RefreshSucceeded() {
	p.printf("Session refreshed successfully!\n")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	p.printf("Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) Replaying(method, path string) {
	p.printf("Retrying %s %s with the new token...\n", method, path)
}

func (p *PlainDisplayer) SessionExpired(err error) {
	p.printf("Session expired: %v\nPlease log in again with 'subshare login'.\n", err)
}

func (p *PlainDisplayer) Summary(s Summary) {
	p.printf("\n========================================\n")
	p.printf("Requests:  %d (%d ok, %d failed)\n", s.Total, s.Succeeded, s.Failed)
	p.printf("Refreshes: %d\n", s.Refreshes)
	p.printf("Elapsed:   %s\n", s.Elapsed.Round(time.Millisecond))
	p.printf("========================================\n")
}

func (p *PlainDisplayer) Fatal(err error) {
	p.printf("Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)                               {}
func (NoopDisplayer) SessionFound(_, _ string)                      {}
func (NoopDisplayer) NoSession()                                    {}
func (NoopDisplayer) LoggingIn(_ string)                            {}
func (NoopDisplayer) LoginOK(_ string)                              {}
func (NoopDisplayer) LoginFailed(_ error)                           {}
func (NoopDisplayer) LoggedOut()                                    {}
func (NoopDisplayer) RequestStarted(_, _ string)                    {}
func (NoopDisplayer) RequestOK(_, _ string, _ int, _ time.Duration) {}
func (NoopDisplayer) RequestFailed(_, _ string, _ error)            {}
func (NoopDisplayer) AccessTokenRejected(_, _ string, _ int)        {}
func (NoopDisplayer) RefreshStarted()                               {}
func (NoopDisplayer) RefreshSucceeded()                             {}
func (NoopDisplayer) RefreshFailed(_ error)                         {}
func (NoopDisplayer) Replaying(_, _ string)                         {}
func (NoopDisplayer) SessionExpired(_ error)                        {}
func (NoopDisplayer) Summary(_ Summary)                             {}
func (NoopDisplayer) Fatal(_ error)                                 {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(serverURL string) {
	t.p.Send(MsgBanner{ServerURL: serverURL})
}

func (t *ProgramDisplayer) SessionFound(userName, userID string) {
	t.p.Send(MsgSessionFound{UserName: userName, UserID: userID})
}

func (t *ProgramDisplayer) NoSession() {
	t.p.Send(MsgNoSession{})
}

func (t *ProgramDisplayer) LoggingIn(email string) {
	t.p.Send(MsgLoggingIn{Email: email})
}

func (t *ProgramDisplayer) LoginOK(userName string) {
	t.p.Send(MsgLoginOK{UserName: userName})
}

func (t *ProgramDisplayer) LoginFailed(err error) {
	t.p.Send(MsgLoginFailed{Err: err})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) RequestStarted(method, path string) {
	t.p.Send(MsgRequestStarted{Method: method, Path: path})
}

func (t *ProgramDisplayer) RequestOK(method, path string, status int, elapsed time.Duration) {
	t.p.Send(MsgRequestOK{Method: method, Path: path, Status: status, Elapsed: elapsed})
}

func (t *ProgramDisplayer) RequestFailed(method, path string, err error) {
	t.p.Send(MsgRequestFailed{Method: method, Path: path, Err: err})
}

func (t *ProgramDisplayer) AccessTokenRejected(method, path string, status int) {
	t.p.Send(MsgAccessTokenRejected{Method: method, Path: path, Status: status})
}

func (t *ProgramDisplayer) RefreshStarted() {
	t.p.Send(MsgRefreshStarted{})
}

func (t *ProgramDisplayer) RefreshSucceeded() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) Replaying(method, path string) {
	t.p.Send(MsgReplaying{Method: method, Path: path})
}

func (t *ProgramDisplayer) SessionExpired(err error) {
	t.p.Send(MsgSessionExpired{Err: err})
}

func (t *ProgramDisplayer) Summary(s Summary) {
	t.p.Send(MsgSummary{Summary: s})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

var (
	_ Displayer = (*PlainDisplayer)(nil)
	_ Displayer = NoopDisplayer{}
	_ Displayer = (*ProgramDisplayer)(nil)
)
