package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-authgate/subshare-cli/apiclient"
	"github.com/go-authgate/subshare-cli/tokenstore"
)

// config is the resolved CLI configuration.
type config struct {
	serverURL      string
	basePath       string
	store          string
	tokenFile      string
	tokenDir       string
	redisAddr      string
	redisPassword  string
	redisTTL       time.Duration
	sqlitePath     string
	refreshTimeout time.Duration
	maxRetries     int
	logLevel       logrus.Level
	logFile        string
	email          string
	password       string

	// command and its arguments, after the global flags
	command string
	args    []string
}

// baseURL is the versioned API root every request path is relative to.
func (c *config) baseURL() string {
	return strings.TrimRight(c.serverURL, "/") + "/" + strings.Trim(c.basePath, "/")
}

func (c *config) storeConfig(log logrus.FieldLogger) tokenstore.Config {
	return tokenstore.Config{
		Backend:       c.store,
		Namespace:     c.baseURL(),
		FilePath:      c.tokenFile,
		Dir:           c.tokenDir,
		RedisAddr:     c.redisAddr,
		RedisPassword: c.redisPassword,
		RedisTTL:      c.redisTTL,
		SQLitePath:    c.sqlitePath,
		Log:           log,
	}
}

var errUsage = errors.New("usage")

const usageText = `Usage: subshare [flags] <command> [args]

Commands:
  login              log in with EMAIL and PASSWORD
  logout             end the session
  whoami             show the stored session
  get <path>         GET an API path and print the response
  burst [-n N] <path>
                     send N concurrent GETs sharing one session refresh

Flags:
`

// loadConfig parses args with priority: flag > env > default.
func loadConfig(args []string, getenv func(string) string, stderr io.Writer) (*config, error) {
	fs := flag.NewFlagSet("subshare", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}

	flagServerURL := fs.String("server-url", "", "API server URL (default: http://localhost:8080 or SERVER_URL env)")
	flagBasePath := fs.String("base-path", "", "API base path (default: /api/v1 or API_BASE_PATH env)")
	flagStore := fs.String("store", "", "Token store: file, diskv, redis, sqlite, memory (default: file or TOKEN_STORE env)")
	flagTokenFile := fs.String("token-file", "", "Token file for the file store (default: .subshare-tokens.json or TOKEN_FILE env)")
	flagTokenDir := fs.String("token-dir", "", "Directory for the diskv store (default: .subshare-tokens or TOKEN_DIR env)")
	flagRedisAddr := fs.String("redis-addr", "", "Redis address for the redis store (or REDIS_ADDR env)")
	flagSQLitePath := fs.String("sqlite-path", "", "Database for the sqlite store (default: .subshare-tokens.db or SQLITE_PATH env)")
	flagRefreshTimeout := fs.String("refresh-timeout", "", "Session refresh timeout (default: 10s or REFRESH_TIMEOUT env)")
	flagMaxRetries := fs.String("max-retries", "", "Transport retries for network errors and 5xx (default: 3 or MAX_RETRIES env)")
	flagLogLevel := fs.String("log-level", "", "Log level (default: warn or LOG_LEVEL env)")
	flagLogFile := fs.String("log-file", "", "Write logs to this file instead of stderr (or LOG_FILE env)")
	flagEmail := fs.String("email", "", "Login email (or EMAIL env)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	get := func(flagValue, envKey, defaultValue string) string {
		if flagValue != "" {
			return flagValue
		}
		if value := getenv(envKey); value != "" {
			return value
		}
		return defaultValue
	}

	cfg := &config{
		serverURL:     get(*flagServerURL, "SERVER_URL", "http://localhost:8080"),
		basePath:      get(*flagBasePath, "API_BASE_PATH", "/api/v1"),
		store:         strings.ToLower(get(*flagStore, "TOKEN_STORE", tokenstore.BackendFile)),
		tokenFile:     get(*flagTokenFile, "TOKEN_FILE", ".subshare-tokens.json"),
		tokenDir:      get(*flagTokenDir, "TOKEN_DIR", ".subshare-tokens"),
		redisAddr:     get(*flagRedisAddr, "REDIS_ADDR", ""),
		redisPassword: getenv("REDIS_PASSWORD"),
		sqlitePath:    get(*flagSQLitePath, "SQLITE_PATH", ".subshare-tokens.db"),
		logFile:       get(*flagLogFile, "LOG_FILE", ""),
		email:         get(*flagEmail, "EMAIL", ""),
		password:      getenv("PASSWORD"),
	}

	var err error
	if cfg.refreshTimeout, err = time.ParseDuration(get(*flagRefreshTimeout, "REFRESH_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("invalid refresh timeout: %w", err)
	}
	if cfg.refreshTimeout <= 0 {
		return nil, fmt.Errorf("refresh timeout must be positive, got %s", cfg.refreshTimeout)
	}
	if ttl := getenv("REDIS_TTL"); ttl != "" {
		if cfg.redisTTL, err = time.ParseDuration(ttl); err != nil {
			return nil, fmt.Errorf("invalid REDIS_TTL: %w", err)
		}
	}
	if cfg.maxRetries, err = strconv.Atoi(get(*flagMaxRetries, "MAX_RETRIES", "3")); err != nil {
		return nil, fmt.Errorf("invalid max retries: %w", err)
	}
	if cfg.logLevel, err = logrus.ParseLevel(get(*flagLogLevel, "LOG_LEVEL", "warn")); err != nil {
		return nil, err
	}

	if err := apiclient.ValidateBaseURL(cfg.serverURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return nil, errUsage
	}
	cfg.command, cfg.args = rest[0], rest[1:]

	return cfg, nil
}

// plaintextHTTP reports whether tokens would travel unencrypted.
func (c *config) plaintextHTTP() bool {
	return strings.HasPrefix(strings.ToLower(c.serverURL), "http://")
}
