// Package api is the request/response client for the message server. It
// serves history fetches and fallback sends when the push connection is
// unavailable, plus the directory calls around them.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omochice/dmsync/pkg/protocol"
)

// DefaultTimeout bounds every request unless overridden with WithTimeout.
const DefaultTimeout = 15 * time.Second

const (
	defaultHistoryLimit = 50
	defaultSearchLimit  = 10
	unknownErrorDetail  = "An unknown error occurred"
)

// Error is returned for non-2xx responses.
type Error struct {
	Op     string
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Detail, e.Status)
}

// IsStatus reports whether err is an *Error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client calls the message server's HTTP endpoints with a bearer credential.
// It never retries; callers decide whether to try again.
type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. The current HTTP client is
// copied first, so a client passed to WithHTTPClient is left untouched.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// New creates a Client for baseURL.
func New(baseURL, credential string, opts ...Option) *Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = DefaultTimeout
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: hc,
		logger:     log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchHistory returns the messages exchanged with partnerID, oldest first.
func (c *Client) FetchHistory(ctx context.Context, partnerID int64) ([]protocol.Message, error) {
	q := url.Values{}
	q.Set("other_user_id", strconv.FormatInt(partnerID, 10))
	q.Set("limit", strconv.Itoa(defaultHistoryLimit))

	var out []protocol.Message
	if err := c.do(ctx, "fetch history", http.MethodGet, "/direct-messages/", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage creates a message through the request path and returns the
// stored message.
func (c *Client) SendMessage(ctx context.Context, content string, receiverID int64) (protocol.Message, error) {
	body := protocol.SendRequest{ReceiverID: receiverID, Content: content}
	var out protocol.Message
	if err := c.do(ctx, "send message", http.MethodPost, "/direct-messages/", nil, body, &out); err != nil {
		return protocol.Message{}, err
	}
	return out, nil
}

// Conversations returns the partners of the current user, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]protocol.Identity, error) {
	var out []protocol.Identity
	if err := c.do(ctx, "list conversations", http.MethodGet, "/direct-messages/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchUsers looks users up by query. A blank query returns no results
// without a request.
func (c *Client) SearchUsers(ctx context.Context, query string, limit int) ([]protocol.Identity, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))

	var out []protocol.Identity
	if err := c.do(ctx, "search users", http.MethodGet, "/users/search/", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// User fetches a user profile.
func (c *Client) User(ctx context.Context, id int64) (protocol.Identity, error) {
	var out protocol.Identity
	path := "/users/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, "get user", http.MethodGet, path, nil, nil, &out); err != nil {
		return protocol.Identity{}, err
	}
	return out, nil
}

// Me fetches the identity the credential belongs to.
func (c *Client) Me(ctx context.Context) (protocol.Identity, error) {
	var out protocol.Identity
	if err := c.do(ctx, "get current user", http.MethodGet, "/users/me", nil, nil, &out); err != nil {
		return protocol.Identity{}, err
	}
	return out, nil
}

// MarkRead marks a message addressed to the current user as read.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	path := "/direct-messages/" + strconv.FormatInt(messageID, 10) + "/read"
	return c.do(ctx, "mark read", http.MethodPut, path, nil, nil, nil)
}

// UnreadCount returns the number of unread messages for the current user.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.do(ctx, "unread count", http.MethodGet, "/direct-messages/unread-count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s: encode body", op)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("op", op).Str("path", path).Msg("request failed")
		return errors.Wrap(err, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Op: op, Status: resp.StatusCode, Detail: readDetail(resp)}
		c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Str("detail", apiErr.Detail).Msg("request rejected")
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

func readDetail(resp *http.Response) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || json.Unmarshal(data, &payload) != nil || len(payload.Detail) == 0 {
		return unknownErrorDetail
	}
	var detail string
	if json.Unmarshal(payload.Detail, &detail) == nil {
		if detail == "" {
			return fmt.Sprintf("API error: %d", resp.StatusCode)
		}
		return detail
	}
	// Validation errors carry a structured detail; keep it verbatim.
	return string(payload.Detail)
}
