// ABOUTME: Bearer-token JSON REST client for conversations, escalations and messages
// ABOUTME: Wraps every failure in ErrRequestFailed with status and body detail

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/coven-inbox/internal/protocol"
)

// ErrRequestFailed wraps every REST failure.
var ErrRequestFailed = errors.New("request failed")

const defaultTimeout = 10 * time.Second

// StatusError carries the HTTP status of a failed call.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrRequestFailed
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	BotID   string
	Timeout time.Duration

	// HTTPClient overrides the underlying http.Client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the backend REST API on behalf of one bot.
type Client struct {
	http   *resty.Client
	botID  string
	logger *slog.Logger
}

// New creates a client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "coven-inbox/1.0")
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}

	return &Client{
		http:   rc,
		botID:  opts.BotID,
		logger: logger.With("component", "api"),
	}
}

// ListConversations returns the bot's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]protocol.ConversationRecord, error) {
	var out []protocol.ConversationRecord
	if err := c.get(ctx, "/bots/"+url.PathEscape(c.botID)+"/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListEscalations returns the bot's escalations, terminal ones included.
func (c *Client) ListEscalations(ctx context.Context) ([]protocol.EscalationDelta, error) {
	var out []protocol.EscalationDelta
	if err := c.get(ctx, "/bots/"+url.PathEscape(c.botID)+"/escalations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns a conversation's messages in backend order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]protocol.ChatMessage, error) {
	path := "/bots/" + url.PathEscape(c.botID) + "/conversations/" + url.PathEscape(conversationID) + "/messages"
	var out []protocol.ChatMessage
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ConversationID == "" {
			out[i].ConversationID = conversationID
		}
	}
	return out, nil
}

// CloseConversation asks the backend to close a conversation and resolve its
// escalation.
func (c *Client) CloseConversation(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/close"
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&errorBody{}).
		Post(path)
	return c.check(http.MethodPost, path, resp, err)
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&errorBody{}).
		Get(path)
	return c.check(http.MethodGet, path, resp, err)
}

func (c *Client) check(method, path string, resp *resty.Response, err error) error {
	if err != nil {
		c.logger.Warn("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, path, err)
	}
	if resp.IsError() {
		serr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode()}
		if body, ok := resp.Error().(*errorBody); ok && body != nil {
			serr.Message = body.Error
			if serr.Message == "" {
				serr.Message = body.Message
			}
		}
		if serr.Message == "" {
			serr.Message = strings.TrimSpace(resp.String())
		}
		c.logger.Warn("request rejected", "method", method, "path", path, "status", serr.StatusCode)
		return serr
	}
	c.logger.Debug("request ok", "method", method, "path", path, "status", resp.StatusCode(), "duration", resp.Time())
	return nil
}
