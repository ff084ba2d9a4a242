// Package api holds the outbound send contract. The orchestrator only
// sees the Sender interface; Client is the HTTP implementation talking
// to the support backend.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"chatwidget/pkg/models"
)

// OutboundMessage is the send request body. ClientTempID is always
// transmitted so the server can echo it back on the realtime channel.
type OutboundMessage struct {
	ConversationID string              `json:"conversation_id"`
	Content        string              `json:"content,omitempty"`
	ContentType    models.ContentType  `json:"content_type"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	ClientTempID   string              `json:"client_temp_id"`
}

// SendError is a failed send attempt. Recoverable: the orchestrator
// routes the message to the offline queue regardless of cause, but the
// distinct cause stays available for the user-visible error channel.
type SendError struct {
	StatusCode int
	Cause      error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("send failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("send failed: %v", e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// Sender is the outbound send contract consumed by the orchestrator.
type Sender interface {
	// SendMessage posts one message and returns the server's Message
	// projection (with server id and confirmed timestamp) or an error.
	SendMessage(ctx context.Context, out OutboundMessage) (models.Message, error)
	// Identify associates the browser session with a known contact.
	Identify(ctx context.Context, id models.Identity) error
}

// Client implements Sender against the widget HTTP API.
type Client struct {
	baseURL string
	key     string
	timeout time.Duration
	hc      *fasthttp.Client
}

// NewClient builds a Client. Timeout must be non-zero (applied by
// config.ValidateConfig).
func NewClient(baseURL, key string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("api client missing base_url")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("api client missing send_timeout; ensure config.ValidateConfig() applied defaults")
	}
	return &Client{
		baseURL: baseURL,
		key:     key,
		timeout: timeout,
		hc: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}, nil
}

// SendMessage posts the message to /v1/conversations/{id}/messages.
// The context deadline, when earlier than the configured timeout, wins.
func (c *Client) SendMessage(ctx context.Context, out OutboundMessage) (models.Message, error) {
	var msg models.Message
	body, err := json.Marshal(out)
	if err != nil {
		return msg, fmt.Errorf("marshal outbound message: %w", err)
	}
	uri := fmt.Sprintf("%s/v1/conversations/%s/messages", c.baseURL, out.ConversationID)

	status, respBody, err := c.do(ctx, fasthttp.MethodPost, uri, body)
	if err != nil {
		return msg, &SendError{Cause: err}
	}
	if status != fasthttp.StatusOK && status != fasthttp.StatusCreated {
		return msg, &SendError{StatusCode: status}
	}
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return msg, &SendError{Cause: fmt.Errorf("invalid message projection: %w", err)}
	}
	return msg, nil
}

// Identify posts contact identity to /v1/contacts/identify.
func (c *Client) Identify(ctx context.Context, id models.Identity) error {
	body, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	status, _, err := c.do(ctx, fasthttp.MethodPost, c.baseURL+"/v1/contacts/identify", body)
	if err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	if status != fasthttp.StatusOK && status != fasthttp.StatusNoContent {
		return fmt.Errorf("identify: status %d", status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, uri string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	req.Header.SetContentType("application/json")
	if c.key != "" {
		req.Header.Set("X-Api-Key", c.key)
	}
	req.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.hc.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}
