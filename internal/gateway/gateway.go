package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"inbox-sync/internal/models"
)

var ErrRejected = errors.New("provider rejected message")

// Request is one outbound message. Exactly one of Text and MediaRef is expected.
type Request struct {
	Channel    models.Channel `json:"channel"`
	InstanceID string         `json:"instance_id,omitempty"`
	Recipient  string         `json:"recipient"`
	Text       string         `json:"text,omitempty"`
	MediaRef   string         `json:"media_ref,omitempty"`
	QuotedRef  string         `json:"quoted_ref,omitempty"`
}

// Response carries the provider's id for the accepted message.
type Response struct {
	ProviderMessageID string `json:"provider_message_id"`
}

// Sender is the outbound provider gateway.
type Sender interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// Client posts messages to the provider gateway over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a gateway client.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send delivers req and returns the provider message id.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	if req.Recipient == "" {
		return Response{}, fmt.Errorf("%w: empty recipient", ErrRejected)
	}
	if req.Text == "" && req.MediaRef == "" {
		return Response{}, fmt.Errorf("%w: empty message", ErrRejected)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read gateway response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &failure)
		if failure.Error == "" {
			failure.Error = http.StatusText(resp.StatusCode)
		}
		return Response{}, fmt.Errorf("%w: %s (status %d)", ErrRejected, failure.Error, resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(payload, &out); err != nil {
		return Response{}, fmt.Errorf("decode gateway response: %w", err)
	}
	if out.ProviderMessageID == "" {
		return Response{}, fmt.Errorf("%w: missing provider message id", ErrRejected)
	}
	return out, nil
}
