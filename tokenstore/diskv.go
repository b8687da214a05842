package tokenstore

import (
	"context"
	"path/filepath"

	"github.com/peterbourgon/diskv/v3"

	"github.com/go-authgate/subshare-cli/apiclient"
)

// DiskvStore keeps each namespace's session in its own file under a
// directory.
type DiskvStore struct {
	dv  *diskv.Diskv
	key string
}

// NewDiskvStore creates a DiskvStore rooted at dir.
func NewDiskvStore(dir, namespace string) *DiskvStore {
	// Simplest transform function: put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	dv := diskv.New(diskv.Options{
		BasePath:  dir,
		Transform: flatTransform,
		// writes go through a temp file and a rename
		TempDir:  filepath.Join(dir, ".tmp"),
		PathPerm: 0o700,
		FilePerm: 0o600,
		// no cache: another process may rewrite the session at any time
		CacheSizeMax: 0,
	})

	return &DiskvStore{dv: dv, key: namespaceKey(namespace)}
}

func (s *DiskvStore) Get(ctx context.Context) (apiclient.TokenPair, error) {
	if err := contextErr(ctx); err != nil {
		return apiclient.TokenPair{}, err
	}
	if !s.dv.Has(s.key) {
		return apiclient.TokenPair{}, nil
	}

	b, err := s.dv.Read(s.key)
	if err != nil {
		return apiclient.TokenPair{}, s.fail("get", err)
	}

	pair, err := decodeRecord(b)
	if err != nil {
		return apiclient.TokenPair{}, s.fail("get", err)
	}
	return pair, nil
}

func (s *DiskvStore) Set(ctx context.Context, pair apiclient.TokenPair) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	b, err := encodeRecord(pair)
	if err != nil {
		return s.fail("set", err)
	}
	if err := s.dv.Write(s.key, b); err != nil {
		return s.fail("set", err)
	}
	return nil
}

func (s *DiskvStore) Clear(ctx context.Context) error {
	if !s.dv.Has(s.key) {
		return nil
	}
	if err := s.dv.Erase(s.key); err != nil && s.dv.Has(s.key) {
		return s.fail("clear", err)
	}
	return nil
}

func (s *DiskvStore) Close() error {
	return nil
}

func (s *DiskvStore) fail(op string, err error) error {
	return &StoreError{Op: op, Backend: BackendDiskv, Err: err}
}

var _ Store = (*DiskvStore)(nil)
