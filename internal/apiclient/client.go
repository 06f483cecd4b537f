// Package apiclient talks to JSON services that answer with the
// {"success": bool, "data": ..., "error": "..."} envelope used by the
// registry and the ledger.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bardlex/hylo/pkg/errors"
)

const (
	// ContentTypeJSON is sent with every request body
	ContentTypeJSON = "application/json"

	maxBodyBytes = 32 << 20
)

// Client issues envelope requests against one base URL
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// New creates a client. A zero timeout leaves requests bounded only by
// their context.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "apiclient_new", "invalid base url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "apiclient_new", "base url needs scheme and host").
			WithContext("url", baseURL)
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Get performs GET path and decodes the envelope data into T
func Get[T any](ctx context.Context, c *Client, path string) (T, error) {
	return do[T](ctx, c, http.MethodGet, path, nil)
}

// Post performs POST path with body encoded as JSON and decodes the
// envelope data into T
func Post[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	return do[T](ctx, c, http.MethodPost, path, body)
}

func do[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return zero, errors.Wrap(err, errors.ErrorTypeValidation, op, "failed to encode request body")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), reader)
	if err != nil {
		return zero, errors.Wrap(err, errors.ErrorTypeValidation, op, "failed to build request")
	}
	req.Header.Set("Accept", ContentTypeJSON)
	if body != nil {
		req.Header.Set("Content-Type", ContentTypeJSON)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, errors.Wrap(err, errors.ErrorTypeTransport, op, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return zero, errors.Wrap(err, errors.ErrorTypeTransport, op, "failed to read response body")
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return zero, errors.New(errors.ErrorTypeTransport, op, fmt.Sprintf("server error: %s", resp.Status)).
			WithContext("status", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, errors.Wrap(err, errors.ErrorTypeTransport, op, "response is not a JSON envelope").
			WithContext("status", resp.StatusCode)
	}

	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request declined"
		}
		return zero, errors.New(errors.ErrorTypeRejected, op, msg).
			WithContext("status", resp.StatusCode)
	}

	var out T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return zero, errors.Wrap(err, errors.ErrorTypeTransport, op, "unexpected response data").
			WithContext("status", resp.StatusCode)
	}
	return out, nil
}
