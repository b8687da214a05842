package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const defaultRefreshTimeout = 10 * time.Second

// refreshState is the coordinator phase.
type refreshState int

const (
	stateIdle       refreshState = iota
	stateRefreshing              // a refresh call is in flight
)

func (s refreshState) String() string {
	if s == stateRefreshing {
		return "refreshing"
	}
	return "idle"
}

// RefreshFunc performs one refresh and returns the renewed access token. It
// must honour ctx cancellation.
type RefreshFunc func(ctx context.Context) (string, error)

// Waiter is a caller parked on the outcome of the in-flight refresh. Exactly
// one of the callbacks runs, exactly once.
type Waiter struct {
	OnRenewed func(accessToken string)
	OnFailed  func(err error)
}

// waiterQueue keeps waiters in arrival order. drain hands out the whole queue
// and leaves it empty, so a queue can only be resolved once.
type waiterQueue struct {
	items []Waiter
}

func (q *waiterQueue) enqueue(w Waiter) {
	q.items = append(q.items, w)
}

func (q *waiterQueue) drain() []Waiter {
	items := q.items
	q.items = nil
	return items
}

func (q *waiterQueue) len() int {
	return len(q.items)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Refresh performs the refresh call. Required.
	Refresh RefreshFunc
	// OnFailure runs once per failed refresh, before waiters are rejected.
	OnFailure func(err error)
	// Timeout bounds each refresh call.
	Timeout time.Duration
	Clock   clockwork.Clock
	Log     logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CoordinatorConfig) CheckAndSetDefaults() error {
	if c.Refresh == nil {
		return errors.New("refresh function is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultRefreshTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = discardLogger()
	}
	return nil
}

// Coordinator runs at most one refresh at a time and fans its outcome out to
// every waiter that joined while it was in flight.
type Coordinator struct {
	refresh   RefreshFunc
	onFailure func(error)
	timeout   time.Duration
	clock     clockwork.Clock
	log       logrus.FieldLogger

	mu         sync.Mutex // protects the fields below
	state      refreshState
	waiters    waiterQueue
	generation uint64
	lastToken  string
	refreshes  uint64
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	return &Coordinator{
		refresh:   cfg.Refresh,
		onFailure: cfg.OnFailure,
		timeout:   cfg.Timeout,
		clock:     cfg.Clock,
		log:       cfg.Log,
	}, nil
}

// Generation identifies the token currently in use. It advances on every
// successful refresh and on Reset. Callers read it before sending a request
// and pass it back to Join.
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Reset starts a new generation for a session obtained outside the
// coordinator, such as a fresh login. Requests sent before it that fail late
// are renewed with accessToken instead of a token from the old session.
func (c *Coordinator) Reset(accessToken string) {
	c.mu.Lock()
	c.generation++
	c.lastToken = accessToken
	c.mu.Unlock()
}

// Refreshes returns the number of refresh calls started.
func (c *Coordinator) Refreshes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

// Refreshing reports whether a refresh is in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRefreshing
}

// Join parks w until the current refresh settles, starting one when the
// coordinator is idle. observed is the generation the caller saw before its
// request was sent: if a refresh has succeeded since, w is renewed right away
// with the latest token. Join reports whether it started a refresh.
func (c *Coordinator) Join(observed uint64, w Waiter) bool {
	c.mu.Lock()
	if c.state == stateIdle && c.generation != observed && c.lastToken != "" {
		token := c.lastToken
		c.mu.Unlock()
		w.OnRenewed(token)
		return false
	}

	c.waiters.enqueue(w)
	if c.state == stateRefreshing {
		queued := c.waiters.len()
		c.mu.Unlock()
		c.log.WithField("queued", queued).Debug("Refresh in flight, waiting")
		return false
	}

	c.state = stateRefreshing
	c.refreshes++
	started := c.generation
	c.mu.Unlock()

	go c.run(started)
	return true
}

// run performs one refresh begun at generation started and resolves every
// queued waiter with its outcome.
func (c *Coordinator) run(started uint64) {
	token, err := c.refreshWithTimeout()
	if err != nil && c.onFailure != nil {
		c.onFailure(err)
	}

	c.mu.Lock()
	c.state = stateIdle
	if err == nil {
		c.generation++
		c.lastToken = token
	} else if c.generation == started {
		// the token the refresh was meant to replace is dead
		c.lastToken = ""
	}
	waiters := c.waiters.drain()
	c.mu.Unlock()

	log := c.log.WithField("waiters", len(waiters))
	if err != nil {
		log.WithError(err).Warn("Token refresh failed, rejecting waiters")
		rejected := authExpired(err)
		for _, w := range waiters {
			w.OnFailed(rejected)
		}
		return
	}

	log.Debug("Token refreshed, resuming waiters")
	for _, w := range waiters {
		w.OnRenewed(token)
	}
}

// refreshWithTimeout runs the refresh on a context detached from any caller.
// When the timer fires the context is cancelled and the result is still
// awaited, so a refresh that lands late cannot write tokens after the session
// was torn down.
func (c *Coordinator) refreshWithTimeout() (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		token, err := c.refresh(ctx)
		done <- result{token: token, err: err}
	}()

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.token, r.err
	case <-timer.Chan():
		cancel()
		r := <-done
		if r.err != nil {
			return "", fmt.Errorf("%w after %s: %w", ErrRefreshTimeout, c.timeout, r.err)
		}
		return r.token, nil
	}
}

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
