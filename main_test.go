package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/go-authgate/subshare-cli/apiclient"
	"github.com/go-authgate/subshare-cli/tokenstore"
	"github.com/go-authgate/subshare-cli/tui"
)

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig([]string{"whoami"}, env(nil), io.Discard)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.serverURL != "http://localhost:8080" {
		t.Errorf("serverURL = %q", cfg.serverURL)
	}
	if cfg.baseURL() != "http://localhost:8080/api/v1" {
		t.Errorf("baseURL = %q", cfg.baseURL())
	}
	if cfg.store != tokenstore.BackendFile || cfg.tokenFile != ".subshare-tokens.json" {
		t.Errorf("store = %q, tokenFile = %q", cfg.store, cfg.tokenFile)
	}
	if cfg.refreshTimeout != 10*time.Second {
		t.Errorf("refreshTimeout = %v", cfg.refreshTimeout)
	}
	if cfg.maxRetries != 3 {
		t.Errorf("maxRetries = %d", cfg.maxRetries)
	}
	if cfg.logLevel != logrus.WarnLevel {
		t.Errorf("logLevel = %v", cfg.logLevel)
	}
	if cfg.command != "whoami" || len(cfg.args) != 0 {
		t.Errorf("command = %q args = %v", cfg.command, cfg.args)
	}
}

func TestLoadConfig_Priority(t *testing.T) {
	vars := env(map[string]string{
		"SERVER_URL":      "https://env.example.com",
		"TOKEN_STORE":     "Redis",
		"REDIS_ADDR":      "localhost:6379",
		"REFRESH_TIMEOUT": "3s",
		"EMAIL":           "env@example.com",
		"PASSWORD":        "secret",
	})

	cfg, err := loadConfig([]string{
		"-server-url", "https://flag.example.com/",
		"-base-path", "v2",
		"burst", "-n", "5", "/subscriptions",
	}, vars, io.Discard)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	// flag > env
	if cfg.baseURL() != "https://flag.example.com/v2" {
		t.Errorf("baseURL = %q", cfg.baseURL())
	}
	// env > default
	if cfg.store != tokenstore.BackendRedis || cfg.redisAddr != "localhost:6379" {
		t.Errorf("store = %q redisAddr = %q", cfg.store, cfg.redisAddr)
	}
	if cfg.refreshTimeout != 3*time.Second {
		t.Errorf("refreshTimeout = %v", cfg.refreshTimeout)
	}
	if cfg.email != "env@example.com" || cfg.password != "secret" {
		t.Errorf("credentials not read from env")
	}
	if cfg.command != "burst" || strings.Join(cfg.args, " ") != "-n 5 /subscriptions" {
		t.Errorf("command = %q args = %v", cfg.command, cfg.args)
	}
	if cfg.plaintextHTTP() {
		t.Errorf("https URL reported as plaintext")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"no command", nil, nil},
		{"bad scheme", []string{"whoami"}, map[string]string{"SERVER_URL": "ftp://example.com"}},
		{"no host", []string{"-server-url", "http://", "whoami"}, nil},
		{"bad timeout", []string{"-refresh-timeout", "soon", "whoami"}, nil},
		{"zero timeout", []string{"-refresh-timeout", "0s", "whoami"}, nil},
		{"bad retries", []string{"-max-retries", "many", "whoami"}, nil},
		{"bad log level", []string{"-log-level", "chatty", "whoami"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfig(tt.args, env(tt.env), io.Discard); err == nil {
				t.Errorf("Expected error")
			}
		})
	}
}

// httpDoer adapts http.Client to apiclient.Doer without retries.
type httpDoer struct{ c *http.Client }

func (d httpDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.c.Do(req.WithContext(ctx))
}

// fakeAPI is a marketplace API whose access tokens expire on demand.
type fakeAPI struct {
	*httptest.Server
	validToken   atomic.Value // string
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	refreshFails atomic.Bool
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	api.validToken.Store("access-1")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Email, Password string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid_credentials","error_description":"wrong password"}`)
			return
		}
		_, _ = io.WriteString(w, `{"accessToken":"access-1","refreshToken":"refresh-1","tokenType":"Bearer","userId":"7","userName":"Ada"}`)
	})
	mux.HandleFunc("POST /api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		api.refreshCalls.Add(1)
		if api.refreshFails.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		api.validToken.Store("access-2")
		_, _ = io.WriteString(w, `{"accessToken":"access-2","refreshToken":"refresh-2"}`)
	})
	mux.HandleFunc("POST /api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		api.logoutCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+api.validToken.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"items":[{"id":1,"service":"music"}]}`)
	})

	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Close)
	return api
}

// expire rotates the server-side token so the stored one is rejected.
func (api *fakeAPI) expire() {
	api.validToken.Store("access-rotated-away")
}

type testApp struct {
	*app
	store  tokenstore.Store
	stdout *bytes.Buffer
}

func newTestApp(t *testing.T, api *fakeAPI, store tokenstore.Store, args ...string) *testApp {
	t.Helper()

	cfg, err := loadConfig(append([]string{"-server-url", api.URL, "-store", "memory"}, args...), env(map[string]string{
		"EMAIL":    "ada@example.com",
		"PASSWORD": "secret",
	}), io.Discard)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if store == nil {
		store, err = tokenstore.Open(cfg.storeConfig(nil))
		if err != nil {
			t.Fatalf("Open store: %v", err)
		}
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	var stdout bytes.Buffer
	doer := httpDoer{api.Client()}
	a, err := newApp(cfg, store, doer, doer, tui.NoopDisplayer{}, log, &stdout)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	return &testApp{app: a, store: store, stdout: &stdout}
}

func TestCLI_LoginThenGet(t *testing.T) {
	api := newFakeAPI(t)
	ctx := context.Background()

	login := newTestApp(t, api, nil, "login")
	if code := login.exitCode(login.run(ctx)); code != exitOK {
		t.Fatalf("login exit code = %d", code)
	}

	get := newTestApp(t, api, login.store, "get", "/subscriptions")
	if code := get.exitCode(get.run(ctx)); code != exitOK {
		t.Fatalf("get exit code = %d", code)
	}
	if !strings.Contains(get.stdout.String(), `"service": "music"`) {
		t.Errorf("Expected indented JSON on stdout, got:\n%s", get.stdout.String())
	}
}

func TestCLI_LoginRejected(t *testing.T) {
	api := newFakeAPI(t)
	a := newTestApp(t, api, nil, "login")
	a.cfg.password = "wrong"

	err := a.run(context.Background())
	var httpErr *apiclient.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 HTTPError, got %v", err)
	}
	if code := a.exitCode(err); code != exitError {
		t.Errorf("exit code = %d", code)
	}
}

func TestCLI_BurstSharesOneRefresh(t *testing.T) {
	api := newFakeAPI(t)
	ctx := context.Background()

	a := newTestApp(t, api, nil, "burst", "-n", "8", "/subscriptions")
	if err := a.store.Set(ctx, apiclient.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	api.expire()

	if code := a.exitCode(a.run(ctx)); code != exitOK {
		t.Fatalf("burst exit code = %d", code)
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 refresh call, got %d", got)
	}

	pair, err := a.store.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pair.AccessToken != "access-2" || pair.RefreshToken != "refresh-2" {
		t.Errorf("Store not updated with rotated pair: %+v", pair)
	}
}

func TestCLI_RefreshFailureRequiresLogin(t *testing.T) {
	api := newFakeAPI(t)
	api.refreshFails.Store(true)
	ctx := context.Background()

	a := newTestApp(t, api, nil, "burst", "-n", "3", "/subscriptions")
	if err := a.store.Set(ctx, apiclient.TokenPair{AccessToken: "stale", RefreshToken: "refresh-1"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	err := a.run(ctx)
	if !apiclient.IsAuthExpired(err) {
		t.Fatalf("Expected auth expired error, got %v", err)
	}
	if code := a.exitCode(err); code != exitLoginRequired {
		t.Errorf("exit code = %d, want %d", code, exitLoginRequired)
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 refresh call, got %d", got)
	}
	if !a.loginRequired.Load() {
		t.Errorf("Expected navigation to login")
	}

	pair, _ := a.store.Get(ctx)
	if !pair.IsZero() {
		t.Errorf("Expected store to be cleared, got %+v", pair)
	}
}

func TestCLI_WhoamiAndLogout(t *testing.T) {
	api := newFakeAPI(t)
	ctx := context.Background()

	whoami := newTestApp(t, api, nil, "whoami")
	if code := whoami.exitCode(whoami.run(ctx)); code != exitLoginRequired {
		t.Errorf("whoami without session exit code = %d", code)
	}

	if err := whoami.store.Set(ctx, apiclient.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1", UserName: "Ada"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if code := whoami.exitCode(whoami.run(ctx)); code != exitOK {
		t.Errorf("whoami with session exit code = %d", code)
	}

	logout := newTestApp(t, api, whoami.store, "logout")
	if code := logout.exitCode(logout.run(ctx)); code != exitOK {
		t.Errorf("logout exit code = %d", code)
	}
	if api.logoutCalls.Load() != 1 {
		t.Errorf("Expected logout to reach the server once")
	}
	if pair, _ := whoami.store.Get(ctx); !pair.IsZero() {
		t.Errorf("Expected store to be cleared, got %+v", pair)
	}
}

func TestCLI_UsageErrors(t *testing.T) {
	api := newFakeAPI(t)
	for _, args := range [][]string{
		{"get"},
		{"burst", "-n", "0", "/x"},
		{"burst"},
		{"frobnicate"},
	} {
		a := newTestApp(t, api, nil, args...)
		if err := a.run(context.Background()); !errors.Is(err, errUsage) {
			t.Errorf("%v: expected usage error, got %v", args, err)
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestCLI_PrintLogsWriteFailure(t *testing.T) {
	api := newFakeAPI(t)
	a := newTestApp(t, api, nil, "get", "/subscriptions")

	log, hook := logtest.NewNullLogger()
	a.log = log
	a.app.stdout = failingWriter{}

	a.print([]byte(`{"items":[]}`))

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("Expected a warning for the failed write, got %+v", entry)
	}
	if err, _ := entry.Data[logrus.ErrorKey].(error); err == nil || err.Error() != "broken pipe" {
		t.Errorf("Expected the write error on the entry, got %v", entry.Data[logrus.ErrorKey])
	}
}
