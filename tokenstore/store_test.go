package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/subshare-cli/apiclient"
)

type storeFactory func(t *testing.T, namespace string) Store

func backends(t *testing.T) map[string]storeFactory {
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	return map[string]storeFactory{
		BackendMemory: func(t *testing.T, _ string) Store {
			return memoryStore{apiclient.NewMemoryStore()}
		},
		BackendFile: func(t *testing.T, ns string) Store {
			return NewFileStore(filepath.Join(dir, "sessions.json"), ns, testLogger())
		},
		BackendDiskv: func(t *testing.T, ns string) Store {
			return NewDiskvStore(filepath.Join(dir, "diskv"), ns)
		},
		BackendRedis: func(t *testing.T, ns string) Store {
			return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), ns, 0)
		},
		BackendSQLite: func(t *testing.T, ns string) Store {
			s, err := NewSQLiteStore(filepath.Join(dir, "sessions.db"), ns)
			require.NoError(t, err)
			return s
		},
	}
}

func TestStores_Contract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t, "https://api.test/api/v1")
			t.Cleanup(func() { require.NoError(t, store.Close()) })

			pair, err := store.Get(ctx)
			require.NoError(t, err)
			require.True(t, pair.IsZero(), "empty store yields empty pair")

			want := apiclient.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1", UserID: "42", UserName: "Ada"}
			require.NoError(t, store.Set(ctx, want))
			pair, err = store.Get(ctx)
			require.NoError(t, err)
			require.Equal(t, want, pair)

			rotated := apiclient.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2", UserID: "42", UserName: "Ada"}
			require.NoError(t, store.Set(ctx, rotated))
			pair, err = store.Get(ctx)
			require.NoError(t, err)
			require.Equal(t, rotated, pair)

			require.NoError(t, store.Clear(ctx))
			require.NoError(t, store.Clear(ctx), "clear is idempotent")
			pair, err = store.Get(ctx)
			require.NoError(t, err)
			require.True(t, pair.IsZero())
		})
	}
}

func TestStores_NamespacesAreIsolated(t *testing.T) {
	for name, open := range backends(t) {
		if name == BackendMemory {
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			prod := open(t, "https://api.test/api/v1")
			staging := open(t, "https://staging.api.test/api/v1")
			t.Cleanup(func() {
				prod.Close()
				staging.Close()
			})

			require.NoError(t, prod.Set(ctx, apiclient.TokenPair{AccessToken: "prod", RefreshToken: "prod-r"}))
			require.NoError(t, staging.Set(ctx, apiclient.TokenPair{AccessToken: "staging", RefreshToken: "staging-r"}))
			require.NoError(t, staging.Clear(ctx))

			pair, err := prod.Get(ctx)
			require.NoError(t, err)
			require.Equal(t, "prod", pair.AccessToken)
		})
	}
}

func TestFileStore_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	const goroutines = 10
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			store := NewFileStore(path, fmt.Sprintf("ns-%d", id), testLogger())
			pair := apiclient.TokenPair{
				AccessToken:  fmt.Sprintf("access-token-%d", id),
				RefreshToken: fmt.Sprintf("refresh-token-%d", id),
			}
			if err := store.Set(context.Background(), pair); err != nil {
				t.Errorf("goroutine %d: failed to save session: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var sf sessionFile
	require.NoError(t, json.Unmarshal(data, &sf))
	require.Len(t, sf.Sessions, goroutines)

	for i := 0; i < goroutines; i++ {
		rec, ok := sf.Sessions[fmt.Sprintf("ns-%d", i)]
		require.True(t, ok, "missing session for ns-%d", i)
		require.Equal(t, fmt.Sprintf("access-token-%d", i), rec.AccessToken)
		require.Equal(t, fmt.Sprintf("refresh-token-%d", i), rec.RefreshToken)
		require.False(t, rec.UpdatedAt.IsZero())
	}

	_, err = os.Stat(path + ".lock")
	require.True(t, os.IsNotExist(err), "lock file removed after all saves")
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err), "temp file renamed into place")
}

func TestFileStore_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := NewFileStore(path, "ns", testLogger())
	require.NoError(t, store.Set(context.Background(), apiclient.TokenPair{AccessToken: "a", RefreshToken: "r"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_CorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	store := NewFileStore(path, "ns", testLogger())

	_, err := store.Get(ctx)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, "get", storeErr.Op)
	require.Equal(t, BackendFile, storeErr.Backend)

	// a write replaces the corrupt file
	require.NoError(t, store.Set(ctx, apiclient.TokenPair{AccessToken: "a", RefreshToken: "r"}))
	pair, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", pair.AccessToken)
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "ns", time.Hour)
	defer store.Close()

	require.NoError(t, store.Set(ctx, apiclient.TokenPair{AccessToken: "a", RefreshToken: "r"}))
	require.True(t, mr.Exists(redisKeyPrefix+"ns"))
	require.Equal(t, time.Hour, mr.TTL(redisKeyPrefix+"ns"))

	mr.FastForward(2 * time.Hour)
	pair, err := store.Get(ctx)
	require.NoError(t, err)
	require.True(t, pair.IsZero())
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "ns", 0)
	defer store.Close()
	mr.Close()

	_, err = store.Get(context.Background())
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, BackendRedis, storeErr.Backend)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := NewSQLiteStore(path, "ns")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, apiclient.TokenPair{AccessToken: "a", RefreshToken: "r", UserName: "Ada"}))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path, "ns")
	require.NoError(t, err)
	defer store.Close()

	pair, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, apiclient.TokenPair{AccessToken: "a", RefreshToken: "r", UserName: "Ada"}, pair)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		cfg     Config
		want    any
		wantErr bool
	}{
		{name: "default is file", cfg: Config{FilePath: filepath.Join(dir, "s.json")}, want: &FileStore{}},
		{name: "memory", cfg: Config{Backend: "MEMORY"}, want: memoryStore{}},
		{name: "diskv", cfg: Config{Backend: BackendDiskv, Dir: filepath.Join(dir, "dv")}, want: &DiskvStore{}},
		{name: "redis", cfg: Config{Backend: BackendRedis, RedisAddr: mr.Addr()}, want: &RedisStore{}},
		{name: "sqlite", cfg: Config{Backend: BackendSQLite, SQLitePath: filepath.Join(dir, "s.db")}, want: &SQLiteStore{}},
		{name: "file without path", cfg: Config{Backend: BackendFile}, wantErr: true},
		{name: "redis without address", cfg: Config{Backend: BackendRedis}, wantErr: true},
		{name: "unknown", cfg: Config{Backend: "etcd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()
			require.IsType(t, tt.want, store)
		})
	}
}

func TestStoreError_Unwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := &StoreError{Op: "set", Backend: BackendFile, Err: cause}
	require.ErrorIs(t, err, cause)
	require.Equal(t, "file token store: set: disk full", err.Error())
}
