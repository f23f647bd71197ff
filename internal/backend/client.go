// Package backend is the HTTP client for the automation backend.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/pgoc/adsbot/internal/resolver"
)

const maxBodySize = 1 << 20

type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	logger  zerolog.Logger
}

func New(baseURL, userID string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// WithHTTPClient swaps the underlying client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) UserID() string { return c.userID }

// CloseIdleConnections drops pooled keep-alive connections.
func (c *Client) CloseIdleConnections() { c.http.CloseIdleConnections() }

// URL joins an endpoint path onto the base URL.
func (c *Client) URL(endpoint string) string {
	return c.baseURL + endpoint
}

// StreamURL is the subscription URL for a scope key.
func (c *Client) StreamURL(endpoint, scopeKey string) string {
	return c.URL(endpoint) + "?keys=" + url.QueryEscape(scopeKey)
}

// AccessTokens fetches every alias -> credential pair for the user.
func (c *Client) AccessTokens(ctx context.Context, userID string) (map[string]resolver.Secret, error) {
	endpoint := "/api/v1/user/" + url.PathEscape(userID) + "/access-tokens"
	var resp accessTokensResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]resolver.Secret, len(resp.Data))
	for _, t := range resp.Data {
		if t.FacebookName == "" {
			continue
		}
		out[t.FacebookName] = resolver.Secret(t.AccessToken)
	}
	return out, nil
}

func (c *Client) Verify(ctx context.Context, endpoint string, items []VerifyItem) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.do(ctx, http.MethodPost, endpoint, VerifyRequest{UserID: c.userID, Rows: items}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CheckCodes(ctx context.Context, endpoint string, codes []string) (*CodeCheck, error) {
	var resp CodeCheck
	if err := c.do(ctx, http.MethodPost, endpoint, CodeCheckRequest{UserID: c.userID, Codes: codes}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dispatch sends one execution request. A 2xx with an empty or
// non-JSON body is still a success.
func (c *Client) Dispatch(ctx context.Context, endpoint string, req DispatchRequest) (*DispatchResponse, error) {
	if req.UserID == "" {
		req.UserID = c.userID
	}
	var resp DispatchResponse
	if err := c.do(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenStream starts a text/event-stream GET. The caller closes the body.
func (c *Client) OpenStream(ctx context.Context, streamURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.setCommonHeaders(req)

	// the per-request timeout would cut long-lived streams
	streaming := *c.http
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: streamURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &TransportError{Endpoint: streamURL, StatusCode: resp.StatusCode, Message: errorMessage(resp.Header.Get("Content-Type"), body)}
	}
	return resp.Body, nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	// tunnels in front of the backend show an interstitial without these
	req.Header.Set("skip_zrok_interstitial", "true")
	req.Header.Set("ngrok-skip-browser-warning", "true")
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(endpoint), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setCommonHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("backend request failed")
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Header.Get("Content-Type"), data),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		if _, lenient := out.(*DispatchResponse); lenient {
			return nil
		}
		return &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
