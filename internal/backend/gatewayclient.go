// ABOUTME: Backend-side client for the gateway's send and register APIs
// ABOUTME: Carries the stored auth token and implements failure notification

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TokenSource yields the backend's stored auth token.
type TokenSource interface {
	Token() string
	OwnerID() string
}

// SendRequest is the body of a /gw/feishu/send call.
type SendRequest struct {
	OwnerID       string `json:"owner_id"`
	MsgType       string `json:"msg_type"`
	Content       any    `json:"content"`
	ChatID        string `json:"chat_id,omitempty"`
	ReceiveIDType string `json:"receive_id_type,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	ProjectDir    string `json:"project_dir,omitempty"`
	CallbackURL   string `json:"callback_url,omitempty"`
}

// SendResponse is the gateway's reply to a send call.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GatewayClient talks to the gateway on behalf of the backend.
type GatewayClient struct {
	gatewayURL string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGatewayClient creates a gateway client.
func NewGatewayClient(gatewayURL string, tokens TokenSource, logger *slog.Logger) *GatewayClient {
	return &GatewayClient{
		gatewayURL: strings.TrimSuffix(gatewayURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Send delivers a message through the gateway.
func (g *GatewayClient) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	if g.gatewayURL == "" {
		return SendResponse{}, fmt.Errorf("gateway URL not configured")
	}
	if req.OwnerID == "" {
		req.OwnerID = g.tokens.OwnerID()
	}

	var resp SendResponse
	if err := g.postJSON(ctx, g.gatewayURL+"/gw/feishu/send", req, &resp); err != nil {
		return SendResponse{}, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("gateway send failed: %s", resp.Error)
	}
	return resp, nil
}

// NotifyError sends a plain text failure notice to a chat. Satisfies
// launcher.Notifier.
func (g *GatewayClient) NotifyError(ctx context.Context, chatID, message string) error {
	_, err := g.Send(ctx, SendRequest{
		MsgType: "text",
		Content: message,
		ChatID:  chatID,
	})
	return err
}

// registerRequest is the body of a /gw/register call.
type registerRequest struct {
	CallbackURL   string `json:"callback_url"`
	OwnerID       string `json:"owner_id"`
	ReplyInThread bool   `json:"reply_in_thread"`
}

// Register announces this backend to the gateway. The gateway responds
// immediately and continues the handshake asynchronously.
func (g *GatewayClient) Register(ctx context.Context, callbackURL, ownerID string, replyInThread bool) error {
	req := registerRequest{
		CallbackURL:   callbackURL,
		OwnerID:       ownerID,
		ReplyInThread: replyInThread,
	}
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := g.postJSON(ctx, g.gatewayURL+"/gw/register", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("gateway rejected registration: %s", resp.Error)
	}
	return nil
}

func (g *GatewayClient) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := g.tokens.Token(); token != "" {
		req.Header.Set("X-Auth-Token", token)
	}

	resp, err := g.httpClient.Do(req)
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

// AutoRegister retries registration until the gateway accepts or ctx ends.
// The accepted request only acknowledges receipt; the token arrives later via
// /cb/register.
func (g *GatewayClient) AutoRegister(ctx context.Context, callbackURL, ownerID string, replyInThread bool) {
	if g.gatewayURL == "" || callbackURL == "" || ownerID == "" {
		g.logger.Info("auto-register disabled, missing gateway_url, callback_url, or owner_id")
		return
	}

	backoff := 5 * time.Second
	for {
		err := g.Register(ctx, callbackURL, ownerID, replyInThread)
		if err == nil {
			g.logger.Info("registration request accepted by gateway", "gateway_url", g.gatewayURL)
			return
		}
		g.logger.Warn("registration attempt failed, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}
