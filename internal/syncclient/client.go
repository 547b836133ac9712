// Package syncclient is the stateless HTTP client for the control-plane
// sync protocol (pull/push of credentials and usage records), plus the
// higher-level Sync Manager that drives it on a schedule.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Envelope is the pull/push sync payload: credential changes plus the
// usage/subscription/bonus blocks passed through opaquely.
type Envelope struct {
	CurrentVersion     uint64          `json:"current_version,omitempty"`
	Tokens             *TokenChanges   `json:"tokens,omitempty"`
	TokenUsage         json.RawMessage `json:"token_usage,omitempty"`
	TokenSubscriptions json.RawMessage `json:"token_subscriptions,omitempty"`
	TokenBonuses       json.RawMessage `json:"token_bonuses,omitempty"`
}

type TokenChanges struct {
	Updated []json.RawMessage `json:"updated,omitempty"`
	Deleted []int64           `json:"deleted,omitempty"`
}

// PushResult is what the push endpoint returns.
type PushResult struct {
	CurrentVersion uint64  `json:"current_version"`
	Conflicts      []int64 `json:"conflicts,omitempty"`
}

// permanentStatus reports whether an HTTP status should never be retried.
// Retries apply to transport errors and 5xx only; any 4xx is final.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500
}

// Client is a stateless wrapper around a single *http.Client and bearer
// token, talking to one sync endpoint base URL.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func New(httpClient *http.Client, baseURL, token string) *Client {
	return &Client{http: httpClient, baseURL: baseURL, token: token}
}

// urlFor resolves a request target: relative paths hang off the base URL,
// absolute URLs (the configurable register endpoint) pass through.
func (c *Client) urlFor(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

func (c *Client) SetToken(token string) {
	c.token = token
}

// newBackoff builds the 1s-doubling, max-3-retries policy every sync call
// runs under.
func newBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("syncclient: marshal request: %w", err)
		}
		payload = data
	}

	var result *http.Response
	op := func() error {
		// A fresh reader per attempt: a retried request must resend the
		// full body, not the leftover of a consumed one.
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.urlFor(path), reqBody)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err // network error: retriable
		}
		if permanentStatus(resp.StatusCode) {
			resp.Body.Close()
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode})
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return fmt.Errorf("syncclient: upstream returned %d", resp.StatusCode)
		}
		result = resp
		return nil
	}

	if err := backoff.Retry(op, newBackoff(ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// StatusError wraps a non-retriable 4xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("syncclient: non-retriable status %d", e.StatusCode)
}

func decodeJSON[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("syncclient: decode response: %w", err)
	}
	return out, nil
}

func (c *Client) GetVersion(ctx context.Context) (uint64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sync/version", nil)
	if err != nil {
		return 0, err
	}
	out, err := decodeJSON[struct {
		CurrentVersion uint64 `json:"current_version"`
	}](resp)
	return out.CurrentVersion, err
}

func (c *Client) GetChanges(ctx context.Context, sinceVersion uint64) (*Envelope, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sync/changes?since=%d", sinceVersion), nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[Envelope](resp)
	return &out, err
}

func (c *Client) PushChanges(ctx context.Context, env *Envelope) (*PushResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/sync/push", env)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[PushResult](resp)
	return &out, err
}

func (c *Client) DeleteToken(ctx context.Context, id int64) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/sync/tokens/%d", id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) DeleteBonus(ctx context.Context, id int64) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/sync/bonuses/%d", id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/sync/ping", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
