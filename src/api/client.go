// Package api is the REST client for the chat message endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token() string
}

// Options tunes the HTTP client.
type Options struct {
	Timeout time.Duration
	// Dial overrides the network dialer, e.g. for in-memory listeners.
	Dial fasthttp.DialFunc
}

// Client calls the message endpoints under baseURL.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
	creds   TokenSource
	logger  zerolog.Logger

	mu             sync.RWMutex
	onUnauthorized []func()
}

type historyResponse struct {
	Messages []types.Message `json:"messages"`
}

type createRequest struct {
	Content string            `json:"content"`
	Kind    types.MessageKind `json:"kind,omitempty"`
}

type editRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a Client for an http:// or https:// base URL.
func New(baseURL string, creds TokenSource, opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &fasthttp.Client{
			Name:         "chatsync",
			Dial:         opts.Dial,
			ReadTimeout:  opts.Timeout,
			WriteTimeout: opts.Timeout,
		},
		timeout: opts.Timeout,
		creds:   creds,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// OnUnauthorized registers a callback run whenever the server answers 401.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = append(c.onUnauthorized, fn)
}

// History fetches one page of messages, oldest first.
func (c *Client) History(ctx context.Context, page, limit int) ([]types.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out historyResponse
	if err := c.do(ctx, "load history", fasthttp.MethodGet, "/api/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Create posts a new message and returns the server's copy.
func (c *Client) Create(ctx context.Context, content string, kind types.MessageKind) (*types.Message, error) {
	var out types.Message
	if err := c.do(ctx, "create message", fasthttp.MethodPost, "/api/messages", createRequest{Content: content, Kind: kind}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Edit replaces the content of message id.
func (c *Client) Edit(ctx context.Context, id int64, content string) (*types.Message, error) {
	var out types.Message
	path := "/api/messages/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, "edit message", fasthttp.MethodPut, path, editRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes message id.
func (c *Client) Delete(ctx context.Context, id int64) error {
	path := "/api/messages/" + strconv.FormatInt(id, 10)
	return c.do(ctx, "delete message", fasthttp.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return &types.RequestFailedError{Op: op, Err: err}
	}
	token := c.creds.Token()
	if token == "" {
		return &types.RequestFailedError{Op: op, Err: types.ErrAuthRequired}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &types.RequestFailedError{Op: op, Err: fmt.Errorf("encode body: %w", err)}
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(data)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		c.logger.Warn().Err(err).Str("op", op).Msg("request failed")
		return &types.RequestFailedError{Op: op, Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status == fasthttp.StatusUnauthorized:
		c.logger.Warn().Str("op", op).Msg("credential rejected")
		c.unauthorized()
		return &types.RequestFailedError{Op: op, Status: status, Err: types.ErrUnauthorized}
	case status < 200 || status > 299:
		return &types.RequestFailedError{Op: op, Status: status, Err: errors.New(errorText(resp.Body(), status))}
	}

	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &types.RequestFailedError{Op: op, Status: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) unauthorized() {
	c.mu.RLock()
	cbs := append([]func(){}, c.onUnauthorized...)
	c.mu.RUnlock()
	for _, fn := range cbs {
		fn()
	}
}

func errorText(body []byte, status int) string {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return er.Error
	}
	return fasthttp.StatusMessage(status)
}
