// ABOUTME: Feishu OpenAPI client with cached tenant access token
// ABOUTME: Sends and replies text and interactive card messages

package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the Feishu OpenAPI endpoint.
	DefaultBaseURL = "https://open.feishu.cn/open-apis"

	// tokenRefreshBuffer refreshes the token this long before its stated
	// expiry so requests never race the deadline.
	tokenRefreshBuffer = 5 * time.Minute

	defaultTokenTTL = 7200 * time.Second

	httpTimeout = 10 * time.Second
)

// ErrDisabled indicates the client has no app credentials.
var ErrDisabled = errors.New("feishu client not configured")

// Message types accepted by the send API.
const (
	MsgTypeText        = "text"
	MsgTypeInteractive = "interactive"
)

// DetectReceiveIDType infers the receive_id_type from an ID's prefix.
func DetectReceiveIDType(receiveID string) string {
	switch {
	case receiveID == "":
		return ""
	case strings.HasPrefix(receiveID, "ou_"):
		return "open_id"
	case strings.HasPrefix(receiveID, "oc_"):
		return "chat_id"
	case strings.HasPrefix(receiveID, "on_"):
		return "union_id"
	case strings.Contains(receiveID, "@"):
		return "email"
	default:
		return "user_id"
	}
}

// tokenManager caches the tenant access token under a mutex.
type tokenManager struct {
	mu         sync.Mutex
	token      string
	expireTime time.Time
}

// Client talks to the Feishu OpenAPI. The zero credentials case yields a
// disabled client whose sends fail with ErrDisabled, so callers can treat IM
// delivery as best-effort.
type Client struct {
	appID      string
	appSecret  string
	baseURL    string
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
	tokens     tokenManager
	now        func() time.Time
}

// Option tweaks client construction.
type Option func(*Client)

// WithBaseURL points the client at a different API host. Used by tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithWebhookURL switches plain sends to a custom bot webhook instead of the
// OpenAPI message endpoint. Replies and card updates still need app
// credentials.
func WithWebhookURL(url string) Option {
	return func(c *Client) { c.webhookURL = url }
}

// NewClient creates a Feishu client.
func NewClient(appID, appSecret string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		appID:      appID,
		appSecret:  appSecret,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: httpTimeout},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether the client has credentials or a webhook to send
// through.
func (c *Client) Enabled() bool {
	return (c.appID != "" && c.appSecret != "") || c.webhookURL != ""
}

// apiEnvelope is the common Feishu response shape.
type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`

	// Token endpoint fields.
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

type messageData struct {
	MessageID string `json:"message_id"`
}

// AccessToken returns a valid tenant access token, refreshing if the cached
// one is missing or near expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()

	if c.tokens.token != "" && c.now().Before(c.tokens.expireTime.Add(-tokenRefreshBuffer)) {
		return c.tokens.token, nil
	}

	c.logger.Info("refreshing feishu access token")
	payload := map[string]string{"app_id": c.appID, "app_secret": c.appSecret}
	var resp apiEnvelope
	if err := c.postJSON(ctx, c.baseURL+"/auth/v3/tenant_access_token/internal", "", payload, &resp); err != nil {
		return "", fmt.Errorf("fetching access token: %w", err)
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("token API error: code=%d msg=%s", resp.Code, resp.Msg)
	}

	ttl := time.Duration(resp.Expire) * time.Second
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	c.tokens.token = resp.TenantAccessToken
	c.tokens.expireTime = c.now().Add(ttl)
	return c.tokens.token, nil
}

// InvalidateToken drops the cached token so the next call refreshes.
func (c *Client) InvalidateToken() {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()
	c.tokens.token = ""
	c.tokens.expireTime = time.Time{}
}

// SendText sends a plain text message. An empty receiveIDType is detected
// from the ID prefix.
func (c *Client) SendText(ctx context.Context, receiveID, receiveIDType, text string) (string, error) {
	content, _ := json.Marshal(map[string]string{"text": text})
	return c.send(ctx, receiveID, receiveIDType, MsgTypeText, string(content))
}

// SendCard sends an interactive card. card must marshal to the card JSON
// object.
func (c *Client) SendCard(ctx context.Context, receiveID, receiveIDType string, card any) (string, error) {
	content, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("encoding card: %w", err)
	}
	return c.send(ctx, receiveID, receiveIDType, MsgTypeInteractive, string(content))
}

// ReplyText replies to an existing message with plain text.
func (c *Client) ReplyText(ctx context.Context, messageID, text string) (string, error) {
	content, _ := json.Marshal(map[string]string{"text": text})
	return c.reply(ctx, messageID, MsgTypeText, string(content))
}

// ReplyCard replies to an existing message with an interactive card.
func (c *Client) ReplyCard(ctx context.Context, messageID string, card any) (string, error) {
	content, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("encoding card: %w", err)
	}
	return c.reply(ctx, messageID, MsgTypeInteractive, string(content))
}

// UpdateCard patches the card content of a previously sent message.
func (c *Client) UpdateCard(ctx context.Context, messageID string, card any) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}

	content, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("encoding card: %w", err)
	}
	payload := map[string]string{"content": string(content)}

	url := fmt.Sprintf("%s/im/v1/messages/%s", c.baseURL, messageID)
	var resp apiEnvelope
	if err := c.patchJSON(ctx, url, token, payload, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("update card failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func (c *Client) send(ctx context.Context, receiveID, receiveIDType, msgType, content string) (string, error) {
	if receiveID == "" {
		return "", errors.New("no receive_id specified")
	}
	if c.webhookURL != "" {
		return "", c.sendWebhook(ctx, msgType, content)
	}
	if !c.Enabled() {
		return "", ErrDisabled
	}
	if receiveIDType == "" {
		receiveIDType = DetectReceiveIDType(receiveID)
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/im/v1/messages?receive_id_type=%s", c.baseURL, receiveIDType)
	payload := map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
	}

	var resp apiEnvelope
	if err := c.postJSON(ctx, url, token, payload, &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("send message failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return messageIDFrom(resp.Data), nil
}

func (c *Client) reply(ctx context.Context, messageID, msgType, content string) (string, error) {
	if messageID == "" {
		return "", errors.New("no message_id specified")
	}
	if c.appID == "" || c.appSecret == "" {
		return "", ErrDisabled
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/im/v1/messages/%s/reply", c.baseURL, messageID)
	payload := map[string]string{
		"msg_type": msgType,
		"content":  content,
	}

	var resp apiEnvelope
	if err := c.postJSON(ctx, url, token, payload, &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("reply failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return messageIDFrom(resp.Data), nil
}

// sendWebhook posts to a custom bot webhook. Webhooks take the message body
// directly and return no message_id.
func (c *Client) sendWebhook(ctx context.Context, msgType, content string) error {
	payload := map[string]any{"msg_type": msgType}
	if msgType == MsgTypeInteractive {
		var card json.RawMessage = []byte(content)
		payload["card"] = card
	} else {
		var body map[string]any
		if err := json.Unmarshal([]byte(content), &body); err != nil {
			return fmt.Errorf("decoding webhook content: %w", err)
		}
		payload["content"] = body
	}

	var resp apiEnvelope
	if err := c.postJSON(ctx, c.webhookURL, "", payload, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("webhook send failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url, token string, payload, out any) error {
	return c.doJSON(ctx, http.MethodPost, url, token, payload, out)
}

func (c *Client) patchJSON(ctx context.Context, url, token string, payload, out any) error {
	return c.doJSON(ctx, http.MethodPatch, url, token, payload, out)
}

func (c *Client) doJSON(ctx context.Context, method, url, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

func messageIDFrom(data json.RawMessage) string {
	var msg messageData
	if err := json.Unmarshal(data, &msg); err != nil {
		return ""
	}
	return msg.MessageID
}
