package apiclient

import (
	"context"
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TokenPair is the persisted session: the credential pair plus display-only
// profile fields for the surrounding application.
type TokenPair struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	UserID       string `json:"userId,omitempty"`
	UserName     string `json:"userName,omitempty"`
}

// IsZero reports whether neither token is present.
func (p TokenPair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// TokenStore holds the current session. Get returns a zero pair and a nil
// error when nothing is stored. Set replaces the whole pair in one write.
// Clear is idempotent.
type TokenStore interface {
	Get(ctx context.Context) (TokenPair, error)
	Set(ctx context.Context, pair TokenPair) error
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local TokenStore.
type MemoryStore struct {
	mu   sync.RWMutex
	pair TokenPair
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(_ context.Context) (TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, nil
}

func (s *MemoryStore) Set(_ context.Context, pair TokenPair) error {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.pair = TokenPair{}
	s.mu.Unlock()
	return nil
}

// Authorize attaches the pair's access token as a bearer credential. Without
// an access token req is returned untouched.
func Authorize(req *http.Request, pair TokenPair) *http.Request {
	if pair.AccessToken == "" {
		return req
	}
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	return req
}
