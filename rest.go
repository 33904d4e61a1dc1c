package chatsync

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

	"go.uber.org/zap"
)

// ============================================================================
// Collaborator Interfaces
// ============================================================================

// Rest is the durable delivery and history collaborator. FetchHistory returns
// raw wire items so they pass through the same router/dedup gate as channel
// events.
type Rest interface {
	FetchHistory(ctx context.Context, selfID, peerID string) ([]any, error)
	SendMessage(ctx context.Context, senderID, recipientID, text, attachmentRef string) (Message, error)
}

// TokenSource supplies a fresh credential after an auth rejection.
type TokenSource interface {
	Refresh(ctx context.Context) (string, error)
}

// ============================================================================
// HTTP Client
// ============================================================================

const (
	// DefaultBaseURL points at the production chat service.
	DefaultBaseURL = "https://api.bookline.app"
	// DefaultTimeout bounds each REST call.
	DefaultTimeout = 30 * time.Second
)

// Client talks to the chat service's REST endpoints and implements Rest and
// TokenSource.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the service base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// restResult is the generic response envelope.
type restResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*restResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result restResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 400 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: statusCode(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	if !result.OK && result.Error != nil {
		return nil, result.Error
	}
	return &result, nil
}

func statusCode(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "AUTH_EXPIRED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "INVALID_FORMAT"
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("HTTP_%d", status)
	}
}

// FetchHistory loads the stored conversation between self and peer. Items are
// returned in wire form; callers normalize them through the router.
func (c *Client) FetchHistory(ctx context.Context, selfID, peerID string) ([]any, error) {
	result, err := c.doRequest(ctx, "GET", "/api/chat/direct/"+url.PathEscape(normalizeID(peerID))+"/messages",
		nil, map[string]string{"self": normalizeID(selfID)})
	if err != nil {
		return nil, err
	}
	if result.Data == nil {
		return nil, nil
	}
	var items []any
	if err := json.Unmarshal(result.Data, &items); err != nil {
		// Some deployments wrap the list under a "messages" key.
		var wrapped map[string]any
		if json.Unmarshal(result.Data, &wrapped) == nil {
			if l, ok := wrapped["messages"].([]any); ok {
				return l, nil
			}
		}
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return items, nil
}

// SendMessage is the durable delivery path. The response supplies the
// confirmed id and timestamp used for reconciliation.
func (c *Client) SendMessage(ctx context.Context, senderID, recipientID, text, attachmentRef string) (Message, error) {
	body := map[string]any{
		"senderId":    normalizeID(senderID),
		"recipientId": normalizeID(recipientID),
		"text":        text,
	}
	if attachmentRef != "" {
		body["attachmentName"] = attachmentRef
	}
	result, err := c.doRequest(ctx, "POST", "/api/chat/messages", body, nil)
	if err != nil {
		return Message{}, err
	}

	confirmed := Message{
		SenderID:      normalizeID(senderID),
		RecipientID:   normalizeID(recipientID),
		Text:          text,
		AttachmentRef: attachmentRef,
		Timestamp:     time.Now(),
		DeliveryState: DeliveryDelivered,
	}
	if result.Data != nil {
		var obj map[string]any
		if json.Unmarshal(result.Data, &obj) == nil {
			n := normalizeObject(obj)
			if inner, ok := n["message"].(map[string]any); ok {
				n = normalizeObject(inner)
			}
			if v, ok := n["id"]; ok {
				confirmed.ID = coerceString(v)
			}
			if v, ok := lookupField(n, "timestamp"); ok {
				if ts := coerceTime(v); !ts.IsZero() {
					confirmed.Timestamp = ts
				}
			}
		}
	}
	if confirmed.ID == "" {
		return Message{}, &APIError{Code: "INVALID_FORMAT", Message: "send response missing confirmed id"}
	}
	return confirmed, nil
}

// Refresh obtains a new token; implements TokenSource.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	result, err := c.doRequest(ctx, "POST", "/api/chat/token/refresh", nil, nil)
	if err != nil {
		return "", err
	}
	var data struct {
		Token string `json:"token"`
	}
	if result.Data != nil {
		if err := json.Unmarshal(result.Data, &data); err != nil {
			return "", fmt.Errorf("failed to decode token: %w", err)
		}
	}
	if data.Token == "" {
		return "", &APIError{Code: "AUTH_EXPIRED", Message: "refresh returned no token"}
	}
	c.SetToken(data.Token)
	c.log.Debug("token refreshed")
	return data.Token, nil
}
