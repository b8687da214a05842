package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/go-authgate/subshare-cli/apiclient"
	"github.com/go-authgate/subshare-cli/tokenstore"
	"github.com/go-authgate/subshare-cli/tui"
)

// Exit codes
const (
	exitOK            = 0
	exitError         = 1
	exitLoginRequired = 2
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:], os.Getenv, os.Stderr)
	switch {
	case errors.Is(err, flag.ErrHelp):
		os.Exit(exitOK)
	case errors.Is(err, errUsage):
		os.Exit(exitError)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	// Warn if using HTTP instead of HTTPS
	if cfg.plaintextHTTP() {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	if !isTTY() {
		os.Exit(run(cfg, tui.NewPlainDisplayer(os.Stderr), os.Stderr))
	}

	// Run TUI program on stderr so stdout pipes are not corrupted
	m := tui.NewModel()
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries. Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	// the program owns stderr, logs only go to LOG_FILE
	code := run(cfg, tui.NewProgramDisplayer(p), io.Discard)
	p.Quit()
	wg.Wait()
	os.Exit(code)
}

// run executes the configured command and returns the process exit code.
func run(cfg *config, d tui.Displayer, logOut io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, closeLog, err := newLogger(cfg, logOut)
	if err != nil {
		d.Fatal(err)
		return exitError
	}
	defer closeLog()

	store, err := tokenstore.Open(cfg.storeConfig(log))
	if err != nil {
		d.Fatal(err)
		return exitError
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Failed to close token store")
		}
	}()

	api, err := apiclient.NewRetryClient(cfg.maxRetries)
	if err != nil {
		d.Fatal(err)
		return exitError
	}
	// a rotated refresh token is single-use, never resend it
	refresh, err := apiclient.NewRetryClient(0)
	if err != nil {
		d.Fatal(err)
		return exitError
	}

	a, err := newApp(cfg, store, api, refresh, d, log, os.Stdout)
	if err != nil {
		d.Fatal(err)
		return exitError
	}

	d.Banner(cfg.baseURL())
	return a.exitCode(a.run(ctx))
}

// exitCode maps a command error to an exit code and reports it.
func (a *app) exitCode(err error) int {
	switch {
	case err == nil:
		if a.loginRequired.Load() {
			return exitLoginRequired
		}
		return exitOK
	case apiclient.IsAuthExpired(err), errors.Is(err, errNotLoggedIn):
		// the displayer already showed the session state
		return exitLoginRequired
	default:
		a.d.Fatal(err)
		if a.loginRequired.Load() {
			return exitLoginRequired
		}
		return exitError
	}
}

// newLogger builds the CLI logger. LOG_FILE wins over out.
func newLogger(cfg *config, out io.Writer) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.SetLevel(cfg.logLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(out)

	if cfg.logFile == "" {
		return log, func() {}, nil
	}

	f, err := os.OpenFile(cfg.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return log, func() { f.Close() }, nil
}
