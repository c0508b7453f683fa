// ABOUTME: Backend HTTP surface: browser decision pages and gateway-called RPCs
// ABOUTME: Global token auth, 10MiB body cap, JSON-or-400 on every POST route

package backend

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/approvd/approvd/internal/auth"
	"github.com/approvd/approvd/internal/broker"
	"github.com/approvd/approvd/internal/decision"
	"github.com/approvd/approvd/internal/dirbrowse"
	"github.com/approvd/approvd/internal/launcher"
	"github.com/approvd/approvd/internal/store"
)

// maxRequestSize caps POST bodies.
const maxRequestSize = 10 << 20

// Options carries the backend's static configuration.
type Options struct {
	OwnerID         string
	AgentCommands   []string
	PageCloseDelay  int
	VSCodeURIPrefix string
}

// Server is the backend HTTP server. GET routes render HTML for the
// browser-fallback decision flow; POST routes are gateway RPCs.
type Server struct {
	pending   *broker.Broker
	decisions *decision.Handler
	tokens    *store.AuthTokenStore
	sessions  *store.SessionChatStore
	dirs      *store.DirHistoryStore
	launcher  *launcher.Launcher
	verifier  *auth.GlobalVerifier
	logger    *slog.Logger

	ownerID         string
	agentCommands   []string
	pageCloseDelay  int
	vscodeURIPrefix string
}

// NewServer wires the backend HTTP surface over its collaborators.
func NewServer(
	pending *broker.Broker,
	decisions *decision.Handler,
	tokens *store.AuthTokenStore,
	sessions *store.SessionChatStore,
	dirs *store.DirHistoryStore,
	launch *launcher.Launcher,
	opts Options,
	logger *slog.Logger,
) *Server {
	return &Server{
		pending:         pending,
		decisions:       decisions,
		tokens:          tokens,
		sessions:        sessions,
		dirs:            dirs,
		launcher:        launch,
		verifier:        auth.NewGlobalVerifier(tokens),
		logger:          logger,
		ownerID:         opts.OwnerID,
		agentCommands:   opts.AgentCommands,
		pageCloseDelay:  opts.PageCloseDelay,
		vscodeURIPrefix: opts.VSCodeURIPrefix,
	}
}

// Routes returns the backend's route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /allow", s.actionHandler(decision.ActionAllow))
	mux.HandleFunc("GET /always", s.actionHandler(decision.ActionAlways))
	mux.HandleFunc("GET /deny", s.actionHandler(decision.ActionDeny))
	mux.HandleFunc("GET /interrupt", s.actionHandler(decision.ActionInterrupt))
	mux.HandleFunc("GET /", s.handleNotFound)

	mux.HandleFunc("POST /cb/register", s.handleRegister)
	mux.HandleFunc("POST /cb/check-owner", s.handleCheckOwner)
	mux.HandleFunc("POST /cb/session/get-chat-id", s.handleGetChatID)
	mux.HandleFunc("POST /cb/session/get-last-message-id", s.handleGetLastMessageID)
	mux.HandleFunc("POST /cb/session/set-last-message-id", s.handleSetLastMessageID)
	mux.HandleFunc("POST /cb/decision", s.handleDecision)
	mux.HandleFunc("POST /cb/claude/new", s.handleClaudeNew)
	mux.HandleFunc("POST /cb/claude/continue", s.handleClaudeContinue)
	mux.HandleFunc("POST /cb/claude/recent-dirs", s.handleRecentDirs)
	mux.HandleFunc("POST /cb/claude/browse-dirs", s.handleBrowseDirs)

	return mux
}

// ----- GET routes -----

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		Mode   string `json:"mode"`
		broker.Stats
	}{
		Status: "ok",
		Mode:   "socket-based (no server-side timeout)",
		Stats:  s.pending.Stats(),
	})
}

func (s *Server) actionHandler(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("id")

		// The snapshot must be taken before Handle: a resolved request is
		// purged shortly after, but the page still wants its project dir.
		vscodeURI := s.vscodeURIFor(requestID)

		outcome := s.decisions.Handle(requestID, action, "")
		if !outcome.Success {
			s.writeHTMLPage(w, http.StatusBadRequest, "操作失败", outcome.Message, false, "")
			return
		}

		page := actionPages[action]
		s.writeHTMLPage(w, http.StatusOK, page.Title, page.Message, true, vscodeURI)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeHTMLPage(w, http.StatusNotFound, "未找到", "请求的页面不存在。", false, "")
}

// ----- POST routes -----

// handleRegister receives the freshly minted token from the gateway. This is
// the one /cb route that cannot require the token: it delivers it.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID        string `json:"owner_id"`
		AuthToken      string `json:"auth_token"`
		GatewayVersion string `json:"gateway_version"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if req.OwnerID == "" || req.AuthToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "missing required fields: owner_id, auth_token",
		})
		return
	}
	if s.ownerID != "" && req.OwnerID != s.ownerID {
		s.logger.Warn("rejecting registration for foreign owner",
			"owner_id", req.OwnerID)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "owner_id mismatch"})
		return
	}

	if err := s.tokens.Save(req.OwnerID, req.AuthToken); err != nil {
		s.logger.Error("failed to persist auth token", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to store auth token"})
		return
	}

	s.logger.Info("stored auth token from gateway",
		"owner_id", req.OwnerID,
		"gateway_version", req.GatewayVersion,
	)
	writeJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}{true, "Registration successful"})
}

// handleCheckOwner confirms whether this backend considers the given owner
// canonical. Called by the gateway before any binding exists, so it runs
// unauthenticated.
func (s *Server) handleCheckOwner(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	isOwner := req.OwnerID != "" && req.OwnerID == s.ownerID
	if !isOwner {
		s.logger.Warn("owner check failed", "owner_id", req.OwnerID)
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		IsOwner bool `json:"is_owner"`
	}{true, isOwner})
}

func (s *Server) handleGetChatID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"chat_id": nil})
		return
	}

	chatID := ""
	if entry, err := s.sessions.Get(req.SessionID); err == nil {
		chatID = entry.ChatID
	}
	writeJSON(w, http.StatusOK, map[string]string{"chat_id": chatID})
}

func (s *Server) handleGetLastMessageID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"last_message_id": ""})
		return
	}

	lastMessageID := ""
	if entry, err := s.sessions.Get(req.SessionID); err == nil {
		lastMessageID = entry.LastMessageID
	}
	writeJSON(w, http.StatusOK, map[string]string{"last_message_id": lastMessageID})
}

func (s *Server) handleSetLastMessageID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		MessageID string `json:"message_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.MessageID == "" {
		writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Missing required parameters"})
		return
	}

	if err := s.sessions.SetLastMessageID(req.SessionID, req.MessageID); err != nil {
		s.logger.Warn("failed to set last message id",
			"session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, failureResponse{
			Error: "Failed to set last_message_id",
		})
		return
	}

	s.logger.Info("set last message id",
		"session_id", req.SessionID, "message_id", req.MessageID)
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
	}{true})
}

// decisionResponse is the body of /cb/decision. Decision stays null on
// failure, so it is typed any.
type decisionResponse struct {
	Success  bool   `json:"success"`
	Decision any    `json:"decision"`
	Message  string `json:"message"`
}

// handleDecision is the pure-decision RPC behind card buttons. Business
// success and failure both return 200; only auth and malformed requests get
// error statuses.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if !s.verifier.Verify(r.Header.Get("X-Auth-Token")) {
		s.logger.Warn("unauthorized decision call")
		writeJSON(w, http.StatusUnauthorized, decisionResponse{Message: "Unauthorized"})
		return
	}

	var req struct {
		Action     string `json:"action"`
		RequestID  string `json:"request_id"`
		ProjectDir string `json:"project_dir"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Action == "" || req.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, decisionResponse{Message: "无效的请求参数"})
		return
	}

	outcome := s.decisions.Handle(req.RequestID, req.Action, req.ProjectDir)

	resp := decisionResponse{Success: outcome.Success, Message: outcome.Message}
	if outcome.Success {
		resp.Decision = outcome.Decision
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClaudeNew(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var req struct {
		ProjectDir    string `json:"project_dir"`
		Prompt        string `json:"prompt"`
		ChatID        string `json:"chat_id"`
		ClaudeCommand string `json:"claude_command"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	command := req.ClaudeCommand
	if command == "" {
		var err error
		if command, err = launcher.ResolveCommand(s.agentCommands, ""); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	result, err := s.launcher.Start(command, req.ProjectDir, req.Prompt, req.ChatID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.dirs.Record(req.ProjectDir); err != nil {
		s.logger.Warn("failed to record directory usage", "error", err)
	}
	if req.ChatID != "" {
		if err := s.sessions.Save(result.SessionID, req.ChatID, req.ClaudeCommand); err != nil {
			s.logger.Warn("failed to save session mapping",
				"session_id", result.SessionID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClaudeContinue(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var req struct {
		SessionID      string `json:"session_id"`
		ProjectDir     string `json:"project_dir"`
		Prompt         string `json:"prompt"`
		ChatID         string `json:"chat_id"`
		ReplyMessageID string `json:"reply_message_id"`
		ClaudeCommand  string `json:"claude_command"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	// A continue reuses the command the session was started with unless the
	// caller picked one explicitly.
	command := req.ClaudeCommand
	if command == "" {
		if entry, err := s.sessions.Get(req.SessionID); err == nil {
			command = entry.AgentCommand
		}
	}
	if command == "" {
		var err error
		if command, err = launcher.ResolveCommand(s.agentCommands, ""); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	result, err := s.launcher.Continue(command, req.SessionID, req.ProjectDir, req.Prompt, req.ChatID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.dirs.Record(req.ProjectDir); err != nil {
		s.logger.Warn("failed to record directory usage", "error", err)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRecentDirs(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var req struct {
		Limit int `json:"limit"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 5
	}

	dirs := s.dirs.Recent(req.Limit)
	if dirs == nil {
		dirs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"dirs": dirs})
}

func (s *Server) handleBrowseDirs(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	result, err := dirbrowse.Browse(req.Path)
	if err != nil {
		if errors.Is(err, dirbrowse.ErrNotAbsolute) || errors.Is(err, dirbrowse.ErrNotAccessible) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error("directory listing failed", "path", req.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ----- helpers -----

type errorResponse struct {
	Error string `json:"error"`
}

type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// requireAuth enforces the global X-Auth-Token check shared by most /cb
// routes.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.verifier.Verify(r.Header.Get("X-Auth-Token")) {
		return true
	}
	s.logger.Warn("missing or invalid auth token", "path", r.URL.Path)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	return false
}

// decodeJSON enforces the body cap and parses the request, answering 400
// itself on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength > maxRequestSize {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Request body too large"})
		return false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil || len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Empty request body"})
		return false
	}
	if len(body) > maxRequestSize {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Request body too large"})
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		s.logger.Warn("rejecting malformed request body", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
