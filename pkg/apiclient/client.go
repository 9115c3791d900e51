package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openmoor/moor/pkg/entity"
)

// DefaultTimeout bounds a single platform request when the config does
// not say otherwise.
const DefaultTimeout = 30 * time.Second

// Config holds the connection settings for the platform API.
type Config struct {
	// BaseURL is the platform endpoint, e.g. https://api.example.com.
	BaseURL string

	// Token is the bearer token sent with every request.
	Token string

	// Timeout bounds a single request including the response body read.
	Timeout time.Duration
}

// Client is a minimal platform API client. Paths are given relative to
// the base URL and payloads are JSON both ways.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a platform API client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// errorEnvelope is the platform's error body shape.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Get issues a GET request and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Post issues a POST request with in as the JSON body and decodes the
// response into out. Either side may be nil.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Put issues a PUT request with in as the JSON body and decodes the
// response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	req, err := c.newRequest(ctx, http.MethodPut, path, in)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Patch issues a PATCH request with in as the JSON body and decodes the
// response into out.
func (c *Client) Patch(ctx context.Context, path string, in, out any) error {
	req, err := c.newRequest(ctx, http.MethodPatch, path, in)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, entity.NewInvalid("failed to encode request body", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, entity.NewInvalid("failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes the request. Transport failures come back as transient
// errors so callers retry them; HTTP failures are classified by status.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return entity.NewTransient("request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return entity.NewTransient("failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(resp.StatusCode, body)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return entity.NewTransient(
			fmt.Sprintf("failed to parse response (status %d)", resp.StatusCode), err)
	}
	return nil
}

// classify maps an HTTP failure onto an error kind, carrying the
// platform's own code and message through when the body has them.
func classify(status int, body []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)

	message := env.Error.Message
	if message == "" {
		message = fmt.Sprintf("request failed with status %d", status)
	}

	var err *entity.Error
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		err = entity.NewInvalid(message, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err = entity.NewUnauthorized(message, nil)
	case status == http.StatusNotFound:
		err = entity.NewNotFound(message, nil)
	case status == http.StatusConflict:
		err = entity.NewConflict(message, nil)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		err = entity.NewThrottled(message, nil)
	case status >= 500:
		err = entity.NewTransient(message, nil)
	default:
		err = entity.NewTerminal(message, nil)
	}

	if env.Error.Code != "" {
		err = err.WithCode(env.Error.Code)
	}
	return err
}
