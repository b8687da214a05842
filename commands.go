package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"golang.org/x/sync/errgroup"

	"github.com/go-authgate/subshare-cli/apiclient"
	"github.com/go-authgate/subshare-cli/tui"
)

var (
	errNotLoggedIn  = errors.New("not logged in")
	errLoginMissing = errors.New("EMAIL and PASSWORD must be set to log in")
)

// app wires one CLI invocation.
type app struct {
	cfg    *config
	client *apiclient.Client
	d      tui.Displayer
	log    logrus.FieldLogger
	stdout io.Writer

	// mu serializes writes to stdout from concurrent requests
	mu            sync.Mutex
	loginRequired atomic.Bool
}

// newApp builds the app. api sends API calls and the login and logout posts;
// refresh sends only the refresh call.
func newApp(
	cfg *config,
	store apiclient.TokenStore,
	api, refresh apiclient.Doer,
	d tui.Displayer,
	log logrus.FieldLogger,
	stdout io.Writer,
) (*app, error) {
	a := &app{cfg: cfg, d: d, log: log, stdout: stdout}

	client, err := apiclient.New(apiclient.Config{
		BaseURL:           cfg.baseURL(),
		Store:             store,
		HTTPClient:        api,
		RefreshHTTPClient: refresh,
		RefreshTimeout:    cfg.refreshTimeout,
		Log:               log,
		Observer:          d,
		NavigateToLogin:   a.navigateToLogin,
	})
	if err != nil {
		return nil, err
	}
	client.OnSessionExpired(d.SessionExpired)
	a.client = client

	return a, nil
}

// navigateToLogin is the CLI's login screen: the process exits with
// exitLoginRequired and the displayer has already printed the hint.
func (a *app) navigateToLogin() {
	a.loginRequired.Store(true)
	a.log.Info("Session ended, login required")
}

func (a *app) run(ctx context.Context) error {
	switch a.cfg.command {
	case "login":
		return a.login(ctx)
	case "logout":
		return a.logout(ctx)
	case "whoami":
		return a.whoami(ctx)
	case "get":
		if len(a.cfg.args) != 1 {
			return fmt.Errorf("%w: get <path>", errUsage)
		}
		return a.get(ctx, a.cfg.args[0])
	case "burst":
		return a.burst(ctx, a.cfg.args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, a.cfg.command)
	}
}

func (a *app) login(ctx context.Context) error {
	if a.cfg.email == "" || a.cfg.password == "" {
		return errLoginMissing
	}

	a.d.LoggingIn(a.cfg.email)
	pair, err := a.client.Login(ctx, a.cfg.email, a.cfg.password)
	if err != nil {
		a.d.LoginFailed(err)
		return err
	}

	name := pair.UserName
	if name == "" {
		name = a.cfg.email
	}
	a.d.LoginOK(name)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	a.d.LoggedOut()
	return nil
}

func (a *app) whoami(ctx context.Context) error {
	pair, err := a.client.Session(ctx)
	if err != nil {
		return err
	}
	if pair.IsZero() {
		a.d.NoSession()
		return errNotLoggedIn
	}
	a.d.SessionFound(pair.UserName, pair.UserID)
	return nil
}

func (a *app) get(ctx context.Context, path string) error {
	resp, err := a.fetch(ctx, path)
	if err != nil {
		return err
	}
	a.print(resp.Body)
	return nil
}

// fetch sends one GET and reports it to the displayer.
func (a *app) fetch(ctx context.Context, path string) (*apiclient.Response, error) {
	a.d.RequestStarted(http.MethodGet, path)
	start := time.Now()

	resp, err := a.client.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		a.d.RequestFailed(http.MethodGet, path, err)
		return nil, err
	}

	a.d.RequestOK(http.MethodGet, path, resp.StatusCode, time.Since(start))
	return resp, nil
}

// print writes a response body to stdout, indenting JSON.
func (a *app) print(body []byte) {
	if gjson.ValidBytes(body) {
		body = pretty.Pretty(body)
	} else if len(body) > 0 && !strings.HasSuffix(string(body), "\n") {
		body = append(body, '\n')
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.stdout.Write(body); err != nil {
		a.log.WithError(err).Warn("Failed to write response to stdout")
	}
}

func (a *app) burst(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("burst", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	n := fs.Int("n", 3, "number of concurrent requests")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 || *n < 1 {
		return fmt.Errorf("%w: burst [-n N] <path>", errUsage)
	}
	path := fs.Arg(0)

	var (
		g         errgroup.Group
		succeeded atomic.Int32
		failed    atomic.Int32
	)
	start := time.Now()
	refreshesBefore := a.client.Refreshes()

	for i := 0; i < *n; i++ {
		g.Go(func() error {
			if _, err := a.fetch(ctx, path); err != nil {
				failed.Add(1)
				return err
			}
			succeeded.Add(1)
			return nil
		})
	}
	err := g.Wait()

	a.d.Summary(tui.Summary{
		Total:     *n,
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Refreshes: int64(a.client.Refreshes() - refreshesBefore),
		Elapsed:   time.Since(start),
	})

	if err != nil {
		return fmt.Errorf("%d of %d requests failed: %w", failed.Load(), *n, err)
	}
	return nil
}
