// Package fallback talks to the relay's REST API when the realtime connection
// is unavailable.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatsync/internal/model/chat"
)

var (
	// ErrStatus wraps every non-2xx response.
	ErrStatus       = errors.New("fallback: unexpected status")
	ErrUnauthorized = errors.New("fallback: unauthorized")
	ErrNotFound     = errors.New("fallback: conversation not found")
	// ErrRejected reports a 2xx widget response whose body signals failure.
	ErrRejected     = errors.New("fallback: request rejected")
)

// StatusError carries a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fallback: unexpected status %d: %s", e.Status, e.Body)
}

// Is matches ErrStatus and the specific status sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrStatus:
		return true
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// Token returns the bearer credential for each request.
	Token   func() string
	Timeout time.Duration
	// ReadRetries bounds retries of idempotent reads. Sends are never retried.
	ReadRetries int
	Logger      *zerolog.Logger
}

// Client is the REST fallback collaborator.
type Client struct {
	base   *url.URL
	token  func() string
	reads  *retryablehttp.Client
	writes *retryablehttp.Client
	logger zerolog.Logger
}

// Conversation is the detail view returned by the relay.
type Conversation struct {
	ID            string
	WebsiteID     string
	WebsiteName   string
	WebsiteDomain string
	VisitorID     string
	VisitorName   string
	VisitorEmail  string
	Status        string
	Messages      []chat.Message
}

// New builds a client for the relay at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse fallback base url %q", opts.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("fallback base url %q must be http or https", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	logger := log.Logger.With().Str("component", "fallback").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Client{
		base:   base,
		token:  opts.Token,
		logger: logger,
	}
	c.reads = c.newHTTP(opts.Timeout, opts.ReadRetries)
	c.writes = c.newHTTP(opts.Timeout, 0)
	return c, nil
}

func (c *Client) newHTTP(timeout time.Duration, retries int) *retryablehttp.Client {
	hc := retryablehttp.NewClient()
	hc.HTTPClient.Timeout = timeout
	hc.RetryMax = retries
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.Logger = leveledLogger{c.logger}
	// Return the last response once retries run out so callers see the status.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return hc
}

type sendRequest struct {
	Content string          `json:"content"`
	Sender  chat.SenderType `json:"sender"`
}

type messageResponse struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Sender    string         `json:"sender"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"message_metadata"`
}

type conversationResponse struct {
	ID            string            `json:"id"`
	WebsiteID     string            `json:"website_id"`
	WebsiteName   string            `json:"website_name"`
	WebsiteDomain string            `json:"website_domain"`
	VisitorID     string            `json:"visitor_id"`
	VisitorName   string            `json:"visitor_name"`
	VisitorEmail  string            `json:"visitor_email"`
	Status        string            `json:"status"`
	Messages      []messageResponse `json:"messages"`
}

// SendMessage posts a message and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, sender chat.SenderType) (chat.Message, error) {
	body, err := json.Marshal(sendRequest{Content: content, Sender: sender})
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "encode send request")
	}

	var resp messageResponse
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, c.writes, http.MethodPost, path, body, &resp); err != nil {
		return chat.Message{}, errors.Wrapf(err, "send message to %s", conversationID)
	}
	return resp.toMessage(conversationID), nil
}

// FetchHistory loads a conversation with its messages. The relay records the
// read as a side effect.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) (Conversation, error) {
	var resp conversationResponse
	path := "/api/v1/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, c.reads, http.MethodGet, path, nil, &resp); err != nil {
		return Conversation{}, errors.Wrapf(err, "fetch conversation %s", conversationID)
	}

	conv := Conversation{
		ID:            resp.ID,
		WebsiteID:     resp.WebsiteID,
		WebsiteName:   resp.WebsiteName,
		WebsiteDomain: resp.WebsiteDomain,
		VisitorID:     resp.VisitorID,
		VisitorName:   resp.VisitorName,
		VisitorEmail:  resp.VisitorEmail,
		Status:        resp.Status,
		Messages:      make([]chat.Message, 0, len(resp.Messages)),
	}
	if conv.ID == "" {
		conv.ID = conversationID
	}
	for _, m := range resp.Messages {
		conv.Messages = append(conv.Messages, m.toMessage(conv.ID))
	}
	return conv, nil
}

// MarkRead marks a conversation as read by the agent. The relay has no
// dedicated endpoint; opening the conversation detail records the read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/v1/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, c.reads, http.MethodGet, path, nil, nil); err != nil {
		return errors.Wrapf(err, "mark conversation %s read", conversationID)
	}
	return nil
}

type widgetSendRequest struct {
	Content        string `json:"content"`
	VisitorID      string `json:"visitorId"`
	WebsiteID      string `json:"websiteId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type widgetSendResponse struct {
	Success        bool            `json:"success"`
	Message        messageResponse `json:"message"`
	ConversationID string          `json:"conversationId"`
	Error          string          `json:"error"`
}

type widgetConversationResponse struct {
	ConversationID string            `json:"conversationId"`
	Messages       []messageResponse `json:"messages"`
	Error          string            `json:"error"`
}

// SendVisitorMessage posts a visitor message through the public widget
// endpoint. An empty conversationID lets the relay start a conversation; the
// returned message carries the conversation it landed in.
func (c *Client) SendVisitorMessage(ctx context.Context, websiteID, visitorID, conversationID, content string) (chat.Message, error) {
	body, err := json.Marshal(widgetSendRequest{
		Content:        content,
		VisitorID:      visitorID,
		WebsiteID:      websiteID,
		ConversationID: conversationID,
	})
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "encode widget send request")
	}

	var resp widgetSendResponse
	if err := c.do(ctx, c.writes, http.MethodPost, "/api/v1/widget/message", body, &resp); err != nil {
		return chat.Message{}, errors.Wrapf(err, "send visitor message for %s", visitorID)
	}
	if !resp.Success {
		return chat.Message{}, errors.Wrapf(ErrRejected, "send visitor message for %s: %s", visitorID, resp.Error)
	}
	if resp.ConversationID == "" {
		resp.ConversationID = conversationID
	}
	return resp.Message.toMessage(resp.ConversationID), nil
}

// FetchVisitorConversation loads the visitor's latest conversation on a
// website. A visitor with no conversation yields an empty ID.
func (c *Client) FetchVisitorConversation(ctx context.Context, websiteID, visitorID string) (Conversation, error) {
	var resp widgetConversationResponse
	path := "/api/v1/widget/conversation/" + url.PathEscape(visitorID) + "?website_id=" + url.QueryEscape(websiteID)
	if err := c.do(ctx, c.reads, http.MethodGet, path, nil, &resp); err != nil {
		return Conversation{}, errors.Wrapf(err, "fetch conversation of visitor %s", visitorID)
	}
	if resp.Error != "" {
		return Conversation{}, errors.Wrapf(ErrRejected, "fetch conversation of visitor %s: %s", visitorID, resp.Error)
	}

	conv := Conversation{
		ID:        resp.ConversationID,
		WebsiteID: websiteID,
		VisitorID: visitorID,
		Messages:  make([]chat.Message, 0, len(resp.Messages)),
	}
	for _, m := range resp.Messages {
		conv.Messages = append(conv.Messages, m.toMessage(conv.ID))
	}
	return conv, nil
}

func (c *Client) do(ctx context.Context, hc *retryablehttp.Client, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func (m messageResponse) toMessage(conversationID string) chat.Message {
	msg := chat.Message{
		ID:             m.ID,
		ConversationID: conversationID,
		SenderType:     chat.SenderType(m.Sender),
		Content:        m.Content,
		Metadata:       m.Metadata,
		Status:         chat.StatusConfirmed,
	}
	if ts, ok := chat.ParseTimestamp(m.Timestamp); ok {
		msg.CreatedAt = ts
	}
	return msg
}

// leveledLogger routes retryablehttp logs through zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Trace().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
