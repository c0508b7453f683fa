// ABOUTME: Gateway-side HTTP client for registered callback backends
// ABOUTME: Per-call deadlines and typed errors feeding card toast messages

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Per-operation deadlines. Decisions are interactive (the user is staring at
// a toast), session launches tolerate the agent's startup check.
const (
	decisionTimeout = 2 * time.Second
	browseTimeout   = 5 * time.Second
	registerTimeout = 10 * time.Second
	sessionTimeout  = 30 * time.Second
)

// Backend failure classes. Card handlers map these onto user-facing toasts.
var (
	ErrBackendTimeout     = errors.New("backend request timed out")
	ErrBackendUnreachable = errors.New("backend unreachable")
)

// StatusError is a non-2xx backend reply with its decoded error detail.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned HTTP %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("backend returned HTTP %d", e.Code)
}

// backendClient calls a backend's /cb/* endpoints.
type backendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func newBackendClient(logger *slog.Logger) *backendClient {
	return &backendClient{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// decisionRequest forwards a permission card click.
type decisionRequest struct {
	Action     string `json:"action"`
	RequestID  string `json:"request_id"`
	ProjectDir string `json:"project_dir,omitempty"`
}

// decisionOutcome is the backend's verdict. Decision stays nil on failure.
type decisionOutcome struct {
	Success  bool    `json:"success"`
	Decision *string `json:"decision"`
	Message  string  `json:"message"`
}

func (c *backendClient) decision(ctx context.Context, callbackURL, token string, req decisionRequest) (decisionOutcome, error) {
	var out decisionOutcome
	err := c.postJSON(ctx, callbackURL+"/cb/decision", token, decisionTimeout, req, &out)
	return out, err
}

func (c *backendClient) checkOwner(ctx context.Context, callbackURL, ownerID string) (bool, error) {
	req := struct {
		OwnerID string `json:"owner_id"`
	}{OwnerID: ownerID}
	var out struct {
		Success bool `json:"success"`
		IsOwner bool `json:"is_owner"`
	}
	if err := c.postJSON(ctx, callbackURL+"/cb/check-owner", "", registerTimeout, req, &out); err != nil {
		return false, err
	}
	return out.Success && out.IsOwner, nil
}

// notifyRegistered delivers a freshly minted token to the backend. The token
// rides both in the body and the X-Auth-Token header so the backend can
// bootstrap before it has anything stored.
func (c *backendClient) notifyRegistered(ctx context.Context, callbackURL, ownerID, authToken, version string) error {
	req := struct {
		OwnerID        string `json:"owner_id"`
		AuthToken      string `json:"auth_token"`
		GatewayVersion string `json:"gateway_version"`
	}{OwnerID: ownerID, AuthToken: authToken, GatewayVersion: version}
	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.postJSON(ctx, callbackURL+"/cb/register", authToken, registerTimeout, req, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("backend rejected registration: %s", out.Error)
	}
	return nil
}

// sessionRequest launches or resumes an agent session on the backend.
type sessionRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	ProjectDir     string `json:"project_dir,omitempty"`
	Prompt         string `json:"prompt"`
	ChatID         string `json:"chat_id,omitempty"`
	ReplyMessageID string `json:"reply_message_id,omitempty"`
	ClaudeCommand  string `json:"claude_command,omitempty"`
}

// sessionResult mirrors the backend launcher's result body.
type sessionResult struct {
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (c *backendClient) newSession(ctx context.Context, callbackURL, token string, req sessionRequest) (sessionResult, error) {
	var out sessionResult
	err := c.postJSON(ctx, callbackURL+"/cb/claude/new", token, sessionTimeout, req, &out)
	return out, err
}

func (c *backendClient) continueSession(ctx context.Context, callbackURL, token string, req sessionRequest) (sessionResult, error) {
	var out sessionResult
	err := c.postJSON(ctx, callbackURL+"/cb/claude/continue", token, sessionTimeout, req, &out)
	return out, err
}

func (c *backendClient) recentDirs(ctx context.Context, callbackURL, token string, limit int) ([]string, error) {
	req := struct {
		Limit int `json:"limit"`
	}{Limit: limit}
	var out struct {
		Dirs []string `json:"dirs"`
	}
	if err := c.postJSON(ctx, callbackURL+"/cb/claude/recent-dirs", token, browseTimeout, req, &out); err != nil {
		return nil, err
	}
	return out.Dirs, nil
}

// browseResult is one level of the backend's directory listing.
type browseResult struct {
	Dirs    []string `json:"dirs"`
	Parent  string   `json:"parent"`
	Current string   `json:"current"`
}

func (c *backendClient) browseDirs(ctx context.Context, callbackURL, token, path string) (browseResult, error) {
	req := struct {
		Path string `json:"path"`
	}{Path: path}
	var out browseResult
	err := c.postJSON(ctx, callbackURL+"/cb/claude/browse-dirs", token, browseTimeout, req, &out)
	return out, err
}

func (c *backendClient) lastMessageID(ctx context.Context, callbackURL, token, sessionID string) (string, error) {
	req := struct {
		SessionID string `json:"session_id"`
	}{SessionID: sessionID}
	var out struct {
		LastMessageID string `json:"last_message_id"`
	}
	if err := c.postJSON(ctx, callbackURL+"/cb/session/get-last-message-id", token, browseTimeout, req, &out); err != nil {
		return "", err
	}
	return out.LastMessageID, nil
}

func (c *backendClient) setLastMessageID(ctx context.Context, callbackURL, token, sessionID, messageID string) error {
	req := struct {
		SessionID string `json:"session_id"`
		MessageID string `json:"message_id"`
	}{SessionID: sessionID, MessageID: messageID}
	var out struct {
		Success bool `json:"success"`
	}
	return c.postJSON(ctx, callbackURL+"/cb/session/set-last-message-id", token, browseTimeout, req, &out)
}

func (c *backendClient) postJSON(ctx context.Context, url, token string, timeout time.Duration, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Detail: errorDetail(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorDetail pulls the error string out of a failure body, if any.
func errorDetail(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// trimBaseURL normalizes a callback URL for use as a request prefix.
func trimBaseURL(url string) string {
	return strings.TrimSuffix(strings.TrimSpace(url), "/")
}
