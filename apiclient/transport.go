package apiclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

// Doer sends HTTP requests. *retry.Client satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NewRetryClient builds the default transport: a tuned http.Client wrapped
// with retry and backoff for network errors and 5xx responses. A negative
// maxRetries keeps the preset's retry count. opts are applied last.
func NewRetryClient(maxRetries int, opts ...retry.Option) (*retry.Client, error) {
	baseHTTPClient := &http.Client{
		Transport: rewindTransport{
			base: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				DisableKeepAlives:   false,
			},
		},
	}

	options := []retry.Option{retry.WithHTTPClient(baseHTTPClient)}
	if maxRetries >= 0 {
		options = append(options, retry.WithMaxRetries(maxRetries))
	}
	options = append(options, opts...)

	client, err := retry.NewBackgroundClient(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return client, nil
}

// rewindTransport sends every attempt with a fresh body from GetBody. The
// retry client clones the request per attempt, and a clone shares the body
// reader that the previous attempt already drained.
type rewindTransport struct {
	base http.RoundTripper
}

func (t rewindTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.GetBody == nil || req.Body == nil || req.Body == http.NoBody {
		return t.base.RoundTrip(req)
	}

	body, err := req.GetBody()
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}

	rewound := req.Clone(req.Context())
	rewound.Body = body
	return t.base.RoundTrip(rewound)
}

// doHTTP sends req through d. A response that used up its retries comes back
// as a plain response, so callers still see its status code.
func doHTTP(ctx context.Context, d Doer, req *http.Request) (*http.Response, error) {
	resp, err := d.DoWithContext(ctx, req)
	if err == nil {
		return resp, nil
	}

	var retryErr *retry.RetryError
	if resp != nil && errors.As(err, &retryErr) && retryErr.LastErr == nil {
		return resp, nil
	}
	if resp != nil {
		resp.Body.Close()
	}
	return nil, err
}

// ValidateBaseURL checks that rawURL is an absolute http(s) URL with a host.
func ValidateBaseURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// joinURL appends path to base unless path is already absolute.
func joinURL(base, path string) string {
	lower := strings.ToLower(path)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
