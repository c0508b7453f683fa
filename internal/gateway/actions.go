// ABOUTME: Card action dispatch for permission decisions and the session form
// ABOUTME: Operator checks, decision forwarding, and directory browsing

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/approvd/approvd/internal/feishu"
)

const recentDirLimit = 5

// handleCardAction routes a card.action.trigger event: form buttons rebuild
// or submit the new-session form, register actions manage bindings, and
// everything else is a permission decision bound for a backend.
func (s *Server) handleCardAction(env *feishu.EventEnvelope) feishu.ActionResponse {
	action := env.Event.Action
	value := action.Value

	// Cards are personal: only the owner named in the card may click it.
	if owner := value.String("owner_id"); owner != "" && !env.Event.Operator.Contains(owner) {
		return feishu.ToastResponse(feishu.ToastError, "只有本人才能执行此操作")
	}

	switch action.Name {
	case submitButton, browseSelectBtn, browseCustomBtn, browseResultBtn:
		return s.handleNewSessionForm(env)
	}

	switch value.String("action") {
	case actionApproveRegister, actionDenyRegister, actionUnbindRegister:
		return s.handleRegisterAction(value)
	}

	return s.handleDecisionAction(env)
}

// handleDecisionAction forwards a permission button click to the backend
// that posted the card.
func (s *Server) handleDecisionAction(env *feishu.EventEnvelope) feishu.ActionResponse {
	value := env.Event.Action.Value
	actionType := value.String("action")
	requestID := value.String("request_id")
	callbackURL := value.String("callback_url")
	if actionType == "" || requestID == "" || callbackURL == "" {
		return feishu.ToastResponse(feishu.ToastError, "无效的回调请求")
	}

	binding, ok := s.bindingFor(env)
	if !ok {
		return feishu.ToastResponse(feishu.ToastError, "身份验证失败，请重新注册网关")
	}

	outcome, err := s.backend.decision(context.Background(), trimBaseURL(callbackURL), binding.AuthToken, decisionRequest{
		Action:     actionType,
		RequestID:  requestID,
		ProjectDir: value.String("project_dir"),
	})
	if err != nil {
		return feishu.ToastResponse(feishu.ToastError, decisionErrorText(err))
	}

	if outcome.Success && outcome.Decision != nil {
		if *outcome.Decision == "allow" {
			return feishu.ToastResponse(feishu.ToastSuccess, messageOr(outcome.Message, "已批准运行"))
		}
		return feishu.ToastResponse(feishu.ToastWarning, messageOr(outcome.Message, "已拒绝运行"))
	}
	return feishu.ToastResponse(feishu.ToastError, messageOr(outcome.Message, "处理失败"))
}

func decisionErrorText(err error) string {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		if statusErr.Code == 401 {
			return "身份验证失败，请重新注册网关"
		}
		return fmt.Sprintf("回调服务错误: HTTP %d", statusErr.Code)
	case errors.Is(err, ErrBackendTimeout):
		return "回调服务响应超时"
	default:
		return "回调服务不可达，请检查服务状态"
	}
}

func messageOr(message, fallback string) string {
	if message != "" {
		return message
	}
	return fallback
}

// handleNewSessionForm processes the session-creation card: browse buttons
// rebuild the card with a directory listing, submit launches the session.
func (s *Server) handleNewSessionForm(env *feishu.EventEnvelope) feishu.ActionResponse {
	action := env.Event.Action
	value := action.Value
	form := action.FormValue

	chatID := value.String("chat_id")
	messageID := value.String("message_id")
	if chatID == "" {
		return feishu.ToastResponse(feishu.ToastError, "无法获取群聊信息")
	}

	switch action.Name {
	case browseSelectBtn, browseCustomBtn, browseResultBtn:
		return s.handleBrowseAction(env)
	}

	// Submit. Directory priority: browse result, then custom path, then the
	// recent-directory select.
	selectedDir := form.String(fieldBrowse)
	if selectedDir == "" {
		selectedDir = strings.TrimSpace(form.String(fieldCustomDir))
	}
	if selectedDir == "" {
		selectedDir = form.String(fieldDirectory)
	}
	if selectedDir == "" {
		return feishu.ToastResponse(feishu.ToastError, "请选择或输入一个工作目录")
	}

	prompt := strings.TrimSpace(form.String(fieldPrompt))
	if prompt == "" {
		return feishu.ToastResponse(feishu.ToastError, "请输入您的问题")
	}

	binding, ok := s.bindingFor(env)
	if !ok {
		return feishu.ToastResponse(feishu.ToastError, notRegisteredText)
	}

	go s.forwardNewSession(binding, selectedDir, prompt, chatID, messageID, form.String(fieldCommand))

	return feishu.ActionResponse{
		Toast: &feishu.Toast{Type: feishu.ToastInfo, Content: "正在创建会话..."},
		Card:  feishu.RawCard(creatingSessionCard(selectedDir, prompt)),
	}
}

// handleBrowseAction rebuilds the form card with one directory level from
// the backend.
func (s *Server) handleBrowseAction(env *feishu.EventEnvelope) feishu.ActionResponse {
	action := env.Event.Action
	value := action.Value
	form := action.FormValue

	var path string
	switch action.Name {
	case browseSelectBtn:
		if path = form.String(fieldDirectory); path == "" {
			return feishu.ToastResponse(feishu.ToastError, "请先从常用目录中选择一个目录")
		}
	case browseCustomBtn:
		if path = strings.TrimSpace(form.String(fieldCustomDir)); path == "" {
			path = "/"
		}
	case browseResultBtn:
		if path = form.String(fieldBrowse); path == "" {
			return feishu.ToastResponse(feishu.ToastError, "请先从浏览结果中选择一个子目录")
		}
	}

	binding, ok := s.bindingFor(env)
	if !ok {
		return feishu.ToastResponse(feishu.ToastError, "无法获取认证信息")
	}
	callbackURL := s.callbackURLFor(binding)

	ctx := context.Background()
	listing, err := s.backend.browseDirs(ctx, callbackURL, binding.AuthToken, path)
	if err != nil {
		s.logger.Warn("directory browse failed", "path", path, "error", err)
		return feishu.ToastResponse(feishu.ToastError, "浏览目录失败")
	}

	// Keep the custom path input in sync with where the user just navigated,
	// so submitting without further selection uses the browsed directory.
	customDir := form.String(fieldCustomDir)
	switch action.Name {
	case browseResultBtn:
		customDir = form.String(fieldBrowse)
	case browseSelectBtn:
		if customDir == "" {
			customDir = listing.Current
		}
	case browseCustomBtn:
		customDir = listing.Current
	}

	recent, err := s.backend.recentDirs(ctx, callbackURL, binding.AuthToken, recentDirLimit)
	if err != nil {
		s.logger.Warn("recent dirs fetch failed", "error", err)
	}

	card := newSessionCard(newSessionCardParams{
		OwnerID:         value.String("owner_id"),
		ChatID:          value.String("chat_id"),
		MessageID:       value.String("message_id"),
		RecentDirs:      recent,
		AgentCommands:   s.agentCommands,
		SelectedCommand: form.String(fieldCommand),
		CustomDir:       customDir,
		Prompt:          form.String(fieldPrompt),
		Browse:          &listing,
	})
	return feishu.ActionResponse{Card: feishu.RawCard(card)}
}

// sendNewSessionCard posts the interactive form when a /new command lacks a
// directory or prompt.
func (s *Server) sendNewSessionCard(env *feishu.EventEnvelope, preselectedCommand string) {
	msg := env.Event.Message

	binding, ok := s.bindingFor(env)
	if !ok {
		s.replyOrSend(msg, notRegisteredText)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	recent, err := s.backend.recentDirs(ctx, s.callbackURLFor(binding), binding.AuthToken, recentDirLimit)
	if err != nil {
		s.logger.Warn("recent dirs fetch failed", "error", err)
	}

	ownerID := env.Event.Sender.SenderID.OpenID
	if ownerID == "" {
		if ids := env.Event.Sender.SenderID.Values(); len(ids) > 0 {
			ownerID = ids[0]
		}
	}

	card := newSessionCard(newSessionCardParams{
		OwnerID:         ownerID,
		ChatID:          msg.ChatID,
		MessageID:       msg.MessageID,
		RecentDirs:      recent,
		AgentCommands:   s.agentCommands,
		SelectedCommand: preselectedCommand,
	})

	if msg.MessageID != "" {
		_, err = s.im.ReplyCard(ctx, msg.MessageID, card)
	} else {
		_, err = s.im.SendCard(ctx, msg.ChatID, "chat_id", card)
	}
	if err != nil {
		s.logger.Error("failed to send session form card", "chat_id", msg.ChatID, "error", err)
	}
}
