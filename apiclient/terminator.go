package apiclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionTerminator tears a session down after an irrecoverable
// authentication failure.
type SessionTerminator struct {
	store    TokenStore
	navigate func()
	log      logrus.FieldLogger

	mu        sync.Mutex // protects the fields below
	onExpired func(error)
	ended     bool
	// epoch changes whenever a session begins or ends.
	epoch uint64
}

// NewSessionTerminator creates a terminator for store. navigate sends the user
// to the login entry point and may be nil.
func NewSessionTerminator(store TokenStore, navigate func(), log logrus.FieldLogger) *SessionTerminator {
	if log == nil {
		log = discardLogger()
	}
	return &SessionTerminator{store: store, navigate: navigate, log: log}
}

// OnSessionExpired registers the session-expired callback, replacing any
// previous one. A nil fn unregisters it.
func (t *SessionTerminator) OnSessionExpired(fn func(error)) {
	t.mu.Lock()
	t.onExpired = fn
	t.mu.Unlock()
}

// Begin marks a new session as active.
func (t *SessionTerminator) Begin() {
	t.mu.Lock()
	t.ended = false
	t.epoch++
	t.mu.Unlock()
}

// Current returns the epoch of the active session. ok is false once the
// session has ended.
func (t *SessionTerminator) Current() (epoch uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch, !t.ended
}

// commit runs write only while the session at epoch is still active. Session
// changes wait for the write to finish.
func (t *SessionTerminator) commit(epoch uint64, write func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.epoch != epoch {
		return errSessionChanged
	}
	return write()
}

// Ended reports whether the current session has been torn down.
func (t *SessionTerminator) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Terminate clears the store, runs the session-expired callback and navigates
// to login. Only the first call per session has an effect.
func (t *SessionTerminator) Terminate(ctx context.Context, cause error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.epoch++
	onExpired := t.onExpired
	t.mu.Unlock()

	t.log.WithError(cause).Warn("Session terminated")
	_ = t.clear(ctx)
	t.safely("session-expired callback", func() {
		if onExpired != nil {
			onExpired(cause)
		}
	})
	t.safely("login navigation", func() {
		if t.navigate != nil {
			t.navigate()
		}
	})
}

// end closes the session quietly, as on logout.
func (t *SessionTerminator) end(ctx context.Context) error {
	t.mu.Lock()
	t.ended = true
	t.epoch++
	t.mu.Unlock()
	return t.clear(ctx)
}

func (t *SessionTerminator) clear(ctx context.Context) error {
	// The clear must happen even if the caller that hit the failure has gone away.
	if err := t.store.Clear(context.WithoutCancel(ctx)); err != nil {
		t.log.WithError(err).Error("Failed to clear token store")
		return fmt.Errorf("failed to clear token store: %w", err)
	}
	return nil
}

func (t *SessionTerminator) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.WithField("panic", r).Errorf("Recovered from panic in %s", what)
		}
	}()
	fn()
}
