// Package tokenstore provides durable apiclient.TokenStore backends. Every
// backend writes the whole session in a single operation so readers never see
// an access token paired with a stale refresh token.
package tokenstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/go-authgate/subshare-cli/apiclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendDiskv  = "diskv"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Store is a TokenStore that owns resources.
type Store interface {
	apiclient.TokenStore
	io.Closer
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Namespace separates sessions of different API deployments sharing one
	// store, usually the API base URL.
	Namespace string

	FilePath string // file
	Dir      string // diskv

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	SQLitePath string

	Log logrus.FieldLogger
}

// Open creates the backend named by cfg.Backend.
func Open(cfg Config) (Store, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendMemory:
		return memoryStore{apiclient.NewMemoryStore()}, nil
	case "", BackendFile:
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("%s backend requires a file path", BackendFile)
		}
		return NewFileStore(cfg.FilePath, cfg.Namespace, cfg.Log), nil
	case BackendDiskv:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("%s backend requires a directory", BackendDiskv)
		}
		return NewDiskvStore(cfg.Dir, cfg.Namespace), nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("%s backend requires an address", BackendRedis)
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisStore(rdb, cfg.Namespace, cfg.RedisTTL), nil
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("%s backend requires a database path", BackendSQLite)
		}
		return NewSQLiteStore(cfg.SQLitePath, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unknown token store backend: %q", cfg.Backend)
	}
}

// StoreError reports a failed store operation.
type StoreError struct {
	Op      string // "get", "set", "clear"
	Backend string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s token store: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// record is the serialized form of a session.
type record struct {
	apiclient.TokenPair
	UpdatedAt time.Time `json:"updatedAt"`
}

func encodeRecord(pair apiclient.TokenPair) ([]byte, error) {
	return json.Marshal(record{TokenPair: pair, UpdatedAt: time.Now().UTC()})
}

func decodeRecord(data []byte) (apiclient.TokenPair, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return apiclient.TokenPair{}, fmt.Errorf("failed to parse session: %w", err)
	}
	return rec.TokenPair, nil
}

// namespaceKey turns a namespace into a short key safe for file names.
func namespaceKey(namespace string) string {
	sum := sha256.Sum256([]byte(namespace))
	return "session-" + hex.EncodeToString(sum[:16])
}

type memoryStore struct {
	*apiclient.MemoryStore
}

func (memoryStore) Close() error { return nil }

var _ Store = memoryStore{}

// contextErr lets stores without native cancellation honour ctx.
func contextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
