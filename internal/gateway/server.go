// ABOUTME: Gateway HTTP server for backend registration, message sends, and webhooks
// ABOUTME: Routes /gw/* APIs plus the IM event catch-all with token verification

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/approvd/approvd/internal/auth"
	"github.com/approvd/approvd/internal/feishu"
	"github.com/approvd/approvd/internal/store"
)

const maxRequestSize = 10 << 20

// Messenger is the slice of the IM client the gateway uses. Satisfied by
// *feishu.Client.
type Messenger interface {
	Enabled() bool
	SendText(ctx context.Context, receiveID, receiveIDType, text string) (string, error)
	SendCard(ctx context.Context, receiveID, receiveIDType string, card any) (string, error)
	ReplyText(ctx context.Context, messageID, text string) (string, error)
	ReplyCard(ctx context.Context, messageID string, card any) (string, error)
}

// Options configures a gateway server.
type Options struct {
	// TokenSecret signs backend auth tokens.
	TokenSecret string

	// VerificationToken authenticates inbound webhook events. Empty skips
	// verification.
	VerificationToken string

	// BackendURL is the fallback backend for session commands when a binding
	// carries no callback URL.
	BackendURL string

	// AgentCommands populates the command selector on the session form.
	AgentCommands []string
}

// Server is the chat-side half of the permission flow. It relays owner
// decisions to registered backends and brokers session commands from chat.
type Server struct {
	bindings *store.BindingStore
	sessions *store.MessageSessionStore
	im       Messenger
	backend  *backendClient
	logger   *slog.Logger

	tokenSecret       string
	verificationToken string
	backendURL        string
	agentCommands     []string
}

// NewServer creates a gateway server.
func NewServer(bindings *store.BindingStore, sessions *store.MessageSessionStore, im Messenger, opts Options, logger *slog.Logger) *Server {
	return &Server{
		bindings:          bindings,
		sessions:          sessions,
		im:                im,
		backend:           newBackendClient(logger),
		logger:            logger,
		tokenSecret:       opts.TokenSecret,
		verificationToken: opts.VerificationToken,
		backendURL:        opts.BackendURL,
		agentCommands:     opts.AgentCommands,
	}
}

// Routes builds the gateway's HTTP handler. The root POST route is the IM
// webhook catch-all.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gw/register", s.handleRegister)
	mux.HandleFunc("POST /gw/feishu/send", s.handleSend)
	mux.HandleFunc("POST /", s.handleWebhook)
	return mux
}

// handleRegister accepts a backend registration request and processes it in
// the background; approval may need a human.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallbackURL   string `json:"callback_url"`
		OwnerID       string `json:"owner_id"`
		ReplyInThread bool   `json:"reply_in_thread"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.CallbackURL == "" || req.OwnerID == "" {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{
			Error: "missing required fields: callback_url, owner_id",
		})
		return
	}

	go s.processRegistration(trimBaseURL(req.CallbackURL), req.OwnerID, clientIP(r), req.ReplyInThread)

	s.writeJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Registration request received, processing in background",
	})
}

// sendRequest is the body of /gw/feishu/send.
type sendRequest struct {
	OwnerID       string `json:"owner_id"`
	MsgType       string `json:"msg_type"`
	Content       any    `json:"content"`
	ChatID        string `json:"chat_id"`
	ReceiveIDType string `json:"receive_id_type"`
	SessionID     string `json:"session_id"`
	ProjectDir    string `json:"project_dir"`
	CallbackURL   string `json:"callback_url"`
}

// handleSend delivers a message on behalf of an authenticated backend.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if req.OwnerID == "" {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Missing owner_id"})
		return
	}
	token := r.Header.Get("X-Auth-Token")
	if token == "" {
		s.writeJSON(w, http.StatusUnauthorized, failureResponse{Error: "Missing X-Auth-Token"})
		return
	}
	binding, err := s.bindings.Get(req.OwnerID)
	if err != nil || !auth.Equal(binding.AuthToken, token) {
		s.writeJSON(w, http.StatusUnauthorized, failureResponse{Error: "Invalid auth_token"})
		return
	}
	if req.MsgType == "" {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Missing msg_type"})
		return
	}

	messageID, sendErr := s.deliver(r.Context(), req, binding)
	if sendErr != nil {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{Error: sendErr.Error()})
		return
	}

	if messageID != "" && req.SessionID != "" && req.ProjectDir != "" && req.CallbackURL != "" {
		if err := s.sessions.Save(messageID, req.SessionID, req.ProjectDir, trimBaseURL(req.CallbackURL)); err != nil {
			s.logger.Error("failed to save message session mapping", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, struct {
		Success   bool   `json:"success"`
		MessageID string `json:"message_id"`
	}{Success: true, MessageID: messageID})
}

// deliver sends one message. Bindings with reply_in_thread anchor session
// messages under the session's previous message instead of starting a new
// chat bubble.
func (s *Server) deliver(ctx context.Context, req sendRequest, binding store.Binding) (string, error) {
	receiveID, receiveIDType := req.ChatID, "chat_id"
	if receiveID == "" {
		receiveID = req.OwnerID
		if receiveIDType = req.ReceiveIDType; receiveIDType == "" {
			receiveIDType = feishu.DetectReceiveIDType(receiveID)
		}
	}

	anchorID := s.threadAnchor(ctx, req, binding)

	var messageID string
	var err error
	switch req.MsgType {
	case "interactive":
		if req.Content == nil {
			return "", errMissingContent("Missing card content")
		}
		if anchorID != "" {
			messageID, err = s.im.ReplyCard(ctx, anchorID, req.Content)
		} else {
			messageID, err = s.im.SendCard(ctx, receiveID, receiveIDType, req.Content)
		}
	case "text":
		text, _ := req.Content.(string)
		if text == "" {
			return "", errMissingContent("Missing text content")
		}
		if anchorID != "" {
			messageID, err = s.im.ReplyText(ctx, anchorID, text)
		} else {
			messageID, err = s.im.SendText(ctx, receiveID, receiveIDType, text)
		}
	default:
		return "", errMissingContent("Unsupported msg_type: " + req.MsgType)
	}
	if err != nil {
		return "", err
	}

	if anchorID != "" || binding.ReplyInThread {
		s.advanceThreadAnchor(req, binding, messageID)
	}
	return messageID, nil
}

// threadAnchor resolves the message to reply under for thread-mode sends.
func (s *Server) threadAnchor(ctx context.Context, req sendRequest, binding store.Binding) string {
	if !binding.ReplyInThread || req.SessionID == "" || req.CallbackURL == "" {
		return ""
	}
	anchorID, err := s.backend.lastMessageID(ctx, trimBaseURL(req.CallbackURL), binding.AuthToken, req.SessionID)
	if err != nil {
		s.logger.Warn("failed to fetch thread anchor", "session_id", req.SessionID, "error", err)
		return ""
	}
	return anchorID
}

// advanceThreadAnchor records the just-sent message as the session's new
// thread anchor.
func (s *Server) advanceThreadAnchor(req sendRequest, binding store.Binding, messageID string) {
	if messageID == "" || req.SessionID == "" || req.CallbackURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), browseTimeout)
		defer cancel()
		url := trimBaseURL(req.CallbackURL)
		if err := s.backend.setLastMessageID(ctx, url, binding.AuthToken, req.SessionID, messageID); err != nil {
			s.logger.Warn("failed to advance thread anchor", "session_id", req.SessionID, "error", err)
		}
	}()
}

type errMissingContent string

func (e errMissingContent) Error() string { return string(e) }

// handleWebhook is the IM event catch-all: URL verification echoes, message
// events feed the command router, and card actions return toast responses.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Invalid JSON"})
		return
	}

	var env feishu.EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Invalid JSON"})
		return
	}

	// Endpoint setup handshake, before any token checks.
	if env.Type == "url_verification" {
		s.writeJSON(w, http.StatusOK, struct {
			Challenge string `json:"challenge"`
		}{Challenge: env.Challenge})
		return
	}

	if s.verificationToken != "" {
		token := env.Header.Token
		if token == "" {
			token = env.Token
		}
		if !auth.Equal(token, s.verificationToken) {
			s.writeJSON(w, http.StatusUnauthorized, failureResponse{Error: "Invalid verification token"})
			return
		}
	}

	switch env.Header.EventType {
	case feishu.EventTypeMessageReceive:
		go s.handleMessageEvent(&env)
		s.writeJSON(w, http.StatusOK, successResponse{Success: true})
	case feishu.EventTypeCardAction:
		s.writeJSON(w, http.StatusOK, s.handleCardAction(&env))
	default:
		s.writeJSON(w, http.StatusBadRequest, struct {
			Error string `json:"error"`
		}{Error: "Unknown request type"})
	}
}

// failureResponse is the uniform {"success":false,"error":...} error body.
type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// decodeJSON reads and validates a JSON request body. Writes the error
// response and returns false on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength <= 0 {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Empty request body"})
		return false
	}
	if r.ContentLength > maxRequestSize {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Request body too large"})
		return false
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil || len(data) == 0 {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Empty request body"})
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Invalid JSON"})
		return false
	}
	return true
}

// clientIP extracts the requester's address, honoring the first hop of
// X-Forwarded-For when a proxy is in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
