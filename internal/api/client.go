// Package api is the REST client for the conversation service: listing
// conversations, loading history and creating conversations.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/parley/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized means the server rejected the bearer token.
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(body))
}

func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Preview is the server's summary of a conversation's newest message.
type Preview struct {
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	SenderID  protocol.ID `json:"senderId"`
}

// Conversation is a conversation as listed by the server.
type Conversation struct {
	ID           protocol.ID       `json:"id"`
	Interlocutor protocol.Identity `json:"interlocutor"`
	LastMessage  *Preview          `json:"lastMessage,omitempty"`
	UnreadCount  int               `json:"unreadCount"`
}

// Client talks to the REST collaborator.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Retries applies to idempotent reads only.
	Retries int
}

// New creates a client.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetAuthToken(opts.Token).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: rc, logger: logger}
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.http.SetAuthToken(token)
}

// ListConversations returns every conversation of the authenticated user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// ListMessages returns a conversation's history.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]protocol.WireMessage, error) {
	var out []protocol.WireMessage
	params := map[string]string{"id": conversationID}
	if err := c.do(ctx, http.MethodGet, "/conversations/{id}/messages", params, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	for i := range out {
		if out[i].ConversationID == "" {
			out[i].ConversationID = protocol.ID(conversationID)
		}
	}
	return out, nil
}

// CreateConversation opens a conversation with targetUserID. Servers may
// return an existing conversation instead of creating one.
func (c *Client) CreateConversation(ctx context.Context, targetUserID string) (Conversation, error) {
	var out Conversation
	body := map[string]string{"targetUserId": targetUserID}
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, body, &out); err != nil {
		return Conversation{}, fmt.Errorf("create conversation with %s: %w", targetUserID, err)
	}
	if out.ID == "" {
		return Conversation{}, fmt.Errorf("create conversation with %s: response has no id", targetUserID)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, body, result any) error {
	req := c.http.R().SetContext(ctx).SetResult(result)
	if params != nil {
		req.SetPathParams(params)
	}
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", time.Since(start)))
	if resp.IsError() {
		return &HTTPError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
