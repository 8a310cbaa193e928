// Package fapi talks to the identity server's frontend API. Only the session
// token endpoint is implemented.
package fapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"identity-session/internal/circuitbreaker"
	"identity-session/internal/common/errors"
	httpclient "identity-session/internal/common/http"
	"identity-session/internal/common/logging"
	"identity-session/internal/common/ratelimit"
	"identity-session/internal/token"
)

// TokenFetcher requests a new session token. path is relative to the API
// version root, see TokenPath.
type TokenFetcher interface {
	FetchToken(ctx context.Context, path, organizationID string) (*token.Token, error)
}

// TokenPath returns the endpoint path for a session's default token, or for
// the named template when template is not empty.
func TokenPath(sessionID, template string) string {
	p := "/client/sessions/" + url.PathEscape(sessionID) + "/tokens"
	if template != "" {
		p += "/" + url.PathEscape(template)
	}
	return p
}

type Config struct {
	// FrontendAPI is the base URL of the frontend API, without the version.
	FrontendAPI string
	Timeout     time.Duration
	RateLimit   ratelimit.Config
	Breaker     circuitbreaker.Config
	HTTPClient  *http.Client
	Logger      logging.Logger
}

// Client is the HTTP TokenFetcher.
type Client struct {
	baseURL string
	http    *http.Client
	limiter ratelimit.Limiter
	breaker *circuitbreaker.GoBreakerAdapter
	logger  logging.Logger
}

func NewClient(config Config) (*Client, error) {
	if config.FrontendAPI == "" {
		return nil, errors.ConfigError("frontend API URL is required")
	}
	base, err := url.Parse(config.FrontendAPI)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.ConfigError(fmt.Sprintf("invalid frontend API URL %q", config.FrontendAPI))
	}

	if config.Logger == nil {
		config.Logger = logging.Component("fapi")
	}
	if config.HTTPClient == nil {
		opts := []httpclient.ClientOption{}
		if config.Timeout > 0 {
			opts = append(opts, httpclient.WithTimeout(config.Timeout))
		}
		config.HTTPClient = httpclient.NewHTTPClient(opts...)
	}

	limiter, err := ratelimit.NewLocalLimiter(config.RateLimit)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid rate limit: %v", err))
	}

	return &Client{
		baseURL: strings.TrimRight(base.String(), "/") + "/v1",
		http:    config.HTTPClient,
		limiter: limiter,
		breaker: circuitbreaker.NewGoBreaker("fapi-tokens", config.Breaker, config.Logger),
		logger:  config.Logger,
	}, nil
}

type tokenResponse struct {
	JWT string `json:"jwt"`
}

type errorResponse struct {
	Errors []struct {
		Code        string `json:"code"`
		Message     string `json:"message"`
		LongMessage string `json:"long_message"`
	} `json:"errors"`
}

// FetchToken POSTs organization_id to path and decodes the returned token.
// Requests are throttled per path and pass through a circuit breaker.
func (c *Client) FetchToken(ctx context.Context, path, organizationID string) (*token.Token, error) {
	if err := c.limiter.WaitForKey(ctx, path); err != nil {
		return nil, errors.NetworkError("token request throttled", err)
	}

	var tok *token.Token
	err := c.breaker.Execute(func() error {
		var err error
		tok, err = c.fetch(ctx, path, organizationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// BreakerState reports whether token requests are currently being rejected.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) fetch(ctx context.Context, path, organizationID string) (*token.Token, error) {
	form := url.Values{}
	form.Set("organization_id", organizationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.InternalError("failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.NetworkError("token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.NetworkError("failed to read token response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		code, msg := parseError(body)
		return nil, errors.UnauthorizedError(orDefault(msg, "session is no longer valid"), resp.StatusCode).WithCode(code)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, msg := parseError(body)
		return nil, errors.APIError(resp.StatusCode, code, orDefault(msg, http.StatusText(resp.StatusCode)))
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.InternalError("failed to decode token response", err)
	}

	tok, err := token.Decode(payload.JWT)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetched session token",
		logging.Field{Key: "path", Value: path},
		logging.Field{Key: "expires_at", Value: tok.Claims().ExpiresAt},
	)
	return tok, nil
}

func parseError(body []byte) (code, message string) {
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Errors) == 0 {
		return "", ""
	}
	first := payload.Errors[0]
	return first.Code, orDefault(first.LongMessage, first.Message)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

var _ TokenFetcher = (*Client)(nil)
