package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// Login exchanges credentials for a session and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (TokenPair, error) {
	resp, body, err := c.postAuth(ctx, c.http, c.cfg.LoginPath, map[string]string{
		"email":    email,
		"password": password,
	}, "")
	if err != nil {
		return TokenPair{}, fmt.Errorf("login request failed: %w", err)
	}

	if !isSuccess(resp.StatusCode) {
		return TokenPair{}, &HTTPError{
			Method:     http.MethodPost,
			URL:        c.url(c.cfg.LoginPath),
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	pair, err := c.parseTokens(body)
	if err != nil {
		return TokenPair{}, err
	}
	if pair.RefreshToken == "" {
		return TokenPair{}, errors.New("invalid login response: refresh token is empty")
	}

	if err := c.SetSession(ctx, pair); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// SetSession stores pair as the current session and reopens the client for
// calls after a previous termination.
func (c *Client) SetSession(ctx context.Context, pair TokenPair) error {
	if err := c.store.Set(ctx, pair); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	c.terminator.Begin()
	c.coord.Reset(pair.AccessToken)
	return nil
}

// Session returns the stored session for display purposes.
func (c *Client) Session(ctx context.Context) (TokenPair, error) {
	return c.store.Get(ctx)
}

// Logout revokes the refresh token on a best-effort basis and clears the
// session. Only a failure to clear local state is returned.
func (c *Client) Logout(ctx context.Context) error {
	pair, err := c.store.Get(ctx)
	if err != nil {
		c.log.WithError(err).Warn("Failed to read token store during logout")
	}

	if pair.RefreshToken != "" {
		resp, body, err := c.postAuth(ctx, c.http, c.cfg.LogoutPath, map[string]string{
			"refreshToken": pair.RefreshToken,
		}, pair.AccessToken)
		switch {
		case err != nil:
			c.log.WithError(err).Warn("Logout request failed")
		case !isSuccess(resp.StatusCode):
			c.log.WithField("status", resp.StatusCode).
				WithField("body", string(body)).
				Warn("Logout rejected by server")
		}
	}

	return c.terminator.end(ctx)
}

// Token implements oauth2.TokenSource over the stored session.
func (c *Client) Token() (*oauth2.Token, error) {
	pair, err := c.store.Get(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to read token store: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, ErrNoSession
	}
	return &oauth2.Token{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
	}, nil
}

var _ oauth2.TokenSource = (*Client)(nil)

// renewSession is the coordinator's refresh function. The renewed pair is
// only stored if the session it was issued for is still the active one.
func (c *Client) renewSession(ctx context.Context) (string, error) {
	c.observer.RefreshStarted()

	epoch, ok := c.terminator.Current()
	if !ok {
		return "", errSessionChanged
	}

	pair, err := c.store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read token store: %w", err)
	}
	if pair.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	renewed, err := c.requestRefresh(ctx, pair.RefreshToken)
	if err != nil {
		return "", err
	}

	pair.AccessToken = renewed.AccessToken
	// Servers with fixed refresh tokens omit the field; keep the stored one.
	if renewed.RefreshToken != "" {
		pair.RefreshToken = renewed.RefreshToken
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	err = c.terminator.commit(epoch, func() error {
		if err := c.store.Set(ctx, pair); err != nil {
			return fmt.Errorf("failed to store refreshed tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.observer.RefreshSucceeded()
	return pair.AccessToken, nil
}

// refreshFailed terminates the session after a failed refresh. A refresh that
// outlived its session has nothing left to terminate.
func (c *Client) refreshFailed(err error) {
	c.observer.RefreshFailed(err)
	if errors.Is(err, errSessionChanged) {
		c.log.WithError(err).Debug("Discarding refresh for a session that is gone")
		return
	}
	c.terminator.Terminate(context.Background(), authExpired(err))
}

func (c *Client) requestRefresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	resp, body, err := c.postAuth(ctx, c.refreshHTTP, c.cfg.RefreshPath, map[string]string{
		"refreshToken": refreshToken,
	}, "")
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh request failed: %w", err)
	}

	if !isSuccess(resp.StatusCode) {
		return TokenPair{}, &oauth2.RetrieveError{
			Response: resp,
			Body:     body,
		}
	}

	return c.parseTokens(body)
}

// postAuth posts a JSON payload to an auth endpoint outside the refresh gate.
func (c *Client) postAuth(
	ctx context.Context,
	doer Doer,
	path string,
	payload any,
	accessToken string,
) (*http.Response, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	target := c.url(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	Authorize(req, TokenPair{AccessToken: accessToken})

	resp, err := doHTTP(ctx, doer, req)
	if err != nil {
		return nil, nil, &NetworkError{Method: http.MethodPost, URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

// parseTokens extracts a TokenPair from a login or refresh response.
func (c *Client) parseTokens(body []byte) (TokenPair, error) {
	if !gjson.ValidBytes(body) {
		return TokenPair{}, errors.New("invalid token response: not valid JSON")
	}

	pair := TokenPair{
		AccessToken:  gjson.GetBytes(body, c.cfg.AccessTokenPath).String(),
		RefreshToken: gjson.GetBytes(body, c.cfg.RefreshTokenPath).String(),
		UserID:       gjson.GetBytes(body, c.cfg.UserIDPath).String(),
		UserName:     gjson.GetBytes(body, c.cfg.UserNamePath).String(),
	}
	tokenType := gjson.GetBytes(body, c.cfg.TokenTypePath).String()

	if err := validateTokenResponse(pair.AccessToken, tokenType); err != nil {
		return TokenPair{}, fmt.Errorf("invalid token response: %w", err)
	}
	return pair, nil
}

// validateTokenResponse validates the token fields of a login or refresh response.
func validateTokenResponse(accessToken, tokenType string) error {
	if accessToken == "" {
		return errors.New("access token is empty")
	}

	if strings.ContainsAny(accessToken, " \t\r\n") {
		return errors.New("access token contains whitespace")
	}

	// Token type is optional, but if present, should be "Bearer"
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token type: %s (expected Bearer)", tokenType)
	}

	return nil
}
