// Package apiclient is the authenticated client for the subscription-sharing
// marketplace API. It attaches bearer tokens to every call, recovers from an
// expired access token with a single shared refresh, replays the affected
// calls once, and ends the session when the refresh itself fails.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

// Default endpoint paths, relative to Config.BaseURL.
const (
	DefaultRefreshPath = "/auth/refresh"
	DefaultLogoutPath  = "/auth/logout"
	DefaultLoginPath   = "/auth/login"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the versioned API root, e.g. https://api.example.com/api/v1.
	BaseURL string
	// Store holds the session. Defaults to a MemoryStore.
	Store TokenStore
	// HTTPClient sends requests. Defaults to NewRetryClient(-1).
	HTTPClient Doer
	// RefreshHTTPClient sends the refresh call. A rotated refresh token is
	// single-use, so the default never retries: NewRetryClient(0) when
	// HTTPClient is unset, HTTPClient otherwise.
	RefreshHTTPClient Doer

	RefreshPath string
	LogoutPath  string
	LoginPath   string

	// gjson paths of the token fields in refresh and login responses.
	AccessTokenPath  string
	RefreshTokenPath string
	TokenTypePath    string
	UserIDPath       string
	UserNamePath     string

	// RefreshTimeout bounds a single refresh call.
	RefreshTimeout time.Duration
	Clock          clockwork.Clock
	Log            logrus.FieldLogger
	Observer       Observer
	// NavigateToLogin is called once when a session is terminated.
	NavigateToLogin func()
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if err := ValidateBaseURL(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
	if c.RefreshHTTPClient == nil {
		if c.HTTPClient != nil {
			c.RefreshHTTPClient = c.HTTPClient
		} else {
			client, err := NewRetryClient(0)
			if err != nil {
				return err
			}
			c.RefreshHTTPClient = client
		}
	}
	if c.HTTPClient == nil {
		client, err := NewRetryClient(-1)
		if err != nil {
			return err
		}
		c.HTTPClient = client
	}
	if c.RefreshPath == "" {
		c.RefreshPath = DefaultRefreshPath
	}
	if c.LogoutPath == "" {
		c.LogoutPath = DefaultLogoutPath
	}
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.AccessTokenPath == "" {
		c.AccessTokenPath = "accessToken"
	}
	if c.RefreshTokenPath == "" {
		c.RefreshTokenPath = "refreshToken"
	}
	if c.TokenTypePath == "" {
		c.TokenTypePath = "tokenType"
	}
	if c.UserIDPath == "" {
		c.UserIDPath = "userId"
	}
	if c.UserNamePath == "" {
		c.UserNamePath = "userName"
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = defaultRefreshTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = discardLogger()
	}
	if c.Observer == nil {
		c.Observer = NoopObserver{}
	}
	return nil
}

// Request is one logical API call. The attempt count is private and only
// ever advanced on a copy, so a Request value can be shared freely.
type Request struct {
	Method string
	// Path is relative to Config.BaseURL, or an absolute URL.
	Path   string
	Header http.Header
	Body   []byte
	// ID is sent as X-Request-ID on every attempt. Generated when empty.
	ID string

	attempt int
}

// Retried reports whether this request is a replay.
func (r Request) Retried() bool {
	return r.attempt > 0
}

func (r Request) replay() Request {
	r.attempt++
	r.Header = r.Header.Clone()
	return r
}

// Response is a successful API response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into out. An empty body leaves out untouched.
func (r *Response) Decode(out any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Client is the only entry point the rest of the application uses to talk to
// the API.
type Client struct {
	cfg         Config
	store       TokenStore
	http        Doer
	refreshHTTP Doer
	log         logrus.FieldLogger
	observer    Observer
	coord       *Coordinator
	terminator  *SessionTerminator
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		store:       cfg.Store,
		http:        cfg.HTTPClient,
		refreshHTTP: cfg.RefreshHTTPClient,
		log:         cfg.Log,
		observer:    cfg.Observer,
	}
	c.terminator = NewSessionTerminator(cfg.Store, cfg.NavigateToLogin, cfg.Log)

	coord, err := NewCoordinator(CoordinatorConfig{
		Refresh:   c.renewSession,
		OnFailure: c.refreshFailed,
		Timeout:   cfg.RefreshTimeout,
		Clock:     cfg.Clock,
		Log:       cfg.Log,
	})
	if err != nil {
		return nil, err
	}
	c.coord = coord

	return c, nil
}

// OnSessionExpired registers the callback run when the session is terminated.
// Registering again replaces the previous callback.
func (c *Client) OnSessionExpired(fn func(error)) {
	c.terminator.OnSessionExpired(fn)
}

// SessionEnded reports whether the session was terminated or logged out.
func (c *Client) SessionEnded() bool {
	return c.terminator.Ended()
}

// Refreshes returns how many refresh calls this client has started.
func (c *Client) Refreshes() uint64 {
	return c.coord.Refreshes()
}

// Get fetches path and decodes the JSON response into out, which may be nil.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, in, out)
}

// Put sends in as JSON and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, in, out)
}

// Patch sends in as JSON and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPatch, path, in, out)
}

// Delete deletes path and decodes the response into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req := Request{Method: method, Path: path}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		req.Body = body
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Do sends req with the current access token. A 401 or 403 is recovered by
// refreshing the session and replaying req once; the caller only sees the
// replay's outcome.
//
// Callers parked on one refresh are resumed in the order they were rejected,
// but each replay is sent from its own caller's goroutine, so the order in
// which replays reach the server is not guaranteed.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if c.terminator.Ended() {
		return nil, ErrSessionEnded
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.attempt = 0

	generation := c.coord.Generation()
	pair, err := c.store.Get(ctx)
	if err != nil {
		c.logFor(req).WithError(err).Warn("Failed to read token store, sending without credentials")
	}

	return c.send(ctx, req, pair.AccessToken, generation)
}

func (c *Client) send(
	ctx context.Context,
	req Request,
	accessToken string,
	generation uint64,
) (*Response, error) {
	resp, err := c.roundTrip(ctx, req, accessToken)
	if err != nil {
		return nil, err
	}

	if isAuthFailure(resp.StatusCode) {
		return c.recoverAuth(ctx, req, resp.StatusCode, generation)
	}

	if !isSuccess(resp.StatusCode) {
		return nil, &HTTPError{
			Method:     req.Method,
			URL:        c.url(req.Path),
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
		}
	}

	return resp, nil
}

// recoverAuth handles a 401/403. A fresh request waits for the shared refresh
// and is replayed once; a replay that is rejected again ends the session.
func (c *Client) recoverAuth(
	ctx context.Context,
	req Request,
	status int,
	generation uint64,
) (*Response, error) {
	log := c.logFor(req).WithField("status", status)
	c.observer.AccessTokenRejected(req.Method, req.Path, status)

	if req.Retried() {
		err := fmt.Errorf(
			"%w: %s %s rejected with status %d after token refresh",
			ErrAuthExpired, req.Method, req.Path, status,
		)
		log.Warn("Replayed request rejected, ending session")
		c.terminator.Terminate(ctx, err)
		return nil, err
	}

	if c.terminator.Ended() {
		return nil, ErrSessionEnded
	}

	type outcome struct {
		token string
		err   error
	}
	// Buffered so the coordinator never blocks on a caller that stopped waiting.
	done := make(chan outcome, 1)
	started := c.coord.Join(generation, Waiter{
		OnRenewed: func(token string) { done <- outcome{token: token} },
		OnFailed:  func(err error) { done <- outcome{err: err} },
	})
	log.WithField("started_refresh", started).Debug("Access token rejected")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		replay := req.replay()
		c.observer.Replaying(replay.Method, replay.Path)
		log.Debug("Replaying request with renewed token")
		return c.send(ctx, replay, o.token, generation)
	}
}

func (c *Client) roundTrip(ctx context.Context, req Request, accessToken string) (*Response, error) {
	target := c.url(req.Path)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(requestIDHeader, req.ID)
	Authorize(httpReq, TokenPair{AccessToken: accessToken})

	c.logFor(req).Debug("Sending request")
	resp, err := doHTTP(ctx, c.http, httpReq)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{
			Method: req.Method,
			URL:    target,
			Err:    fmt.Errorf("failed to read response: %w", err),
		}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) url(path string) string {
	return joinURL(c.cfg.BaseURL, path)
}

func (c *Client) logFor(req Request) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{
		"method":     req.Method,
		"path":       req.Path,
		"request_id": req.ID,
		"attempt":    req.attempt,
	})
}

// IsAuthExpired reports whether err means the user has to log in again.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}
