// ABOUTME: Chat message routing for /new and /reply commands and session replies
// ABOUTME: Argument parsing, backend forwarding, and result notifications

package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/approvd/approvd/internal/feishu"
	"github.com/approvd/approvd/internal/launcher"
	"github.com/approvd/approvd/internal/store"
)

// Bot mentions arrive as placeholders in the message text.
var mentionPattern = regexp.MustCompile(`@_user_1\s?`)

const (
	newUsage   = "参数格式错误，正确格式：`/new --dir=/path/to/project [--cmd=0] prompt`"
	replyUsage = "参数格式错误，正确格式：`/reply [--cmd=0] prompt`"

	sessionExpiredText = "无法找到对应的会话（可能已过期或被清理），请重新发起 /new 指令"
	notRegisteredText  = "您尚未注册，无法使用此功能"
)

func commandHelp(name string) string {
	return fmt.Sprintf("未知指令：`%s`\n\n支持的指令：\n", name) +
		"- `/new`: 发起新的 Claude 会话\n格式：`/new --dir=/path/to/project [--cmd=0] prompt` 或回复消息时 `/new prompt`\n" +
		"- `/reply`: 回复消息时指定 Claude Command 继续会话\n格式：`/reply [--cmd=0] prompt`\n仅支持在回复消息时使用"
}

// handleMessageEvent routes one inbound chat message. Slash commands go to
// the command router; plain replies to a tracked message continue its session.
func (s *Server) handleMessageEvent(env *feishu.EventEnvelope) {
	msg := env.Event.Message
	text := strings.TrimSpace(mentionPattern.ReplaceAllString(msg.PlainText(), ""))

	if strings.HasPrefix(text, "/") {
		name, args := splitCommand(text)
		switch name {
		case "/new":
			s.handleNewCommand(env, args)
		case "/reply":
			s.handleReplyCommand(env, args)
		default:
			s.replyOrSend(msg, commandHelp(name))
		}
		return
	}

	if msg.ParentID != "" {
		s.handleSessionReply(env, text)
	}
}

// splitCommand separates "/name rest" into its command name and arguments.
func splitCommand(text string) (name, args string) {
	parts := strings.SplitN(text, " ", 2)
	name = parts[0]
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args
}

// commandArgs is the parsed form of "/new --dir=... --cmd=... prompt".
type commandArgs struct {
	Dir    string
	Cmd    string
	Prompt string
}

// parseCommandArgs parses flag-prefixed command arguments. Flags are only
// recognized when the arguments start with one, so prompts containing
// "--dir=" mid-sentence pass through untouched.
func parseCommandArgs(args string) (commandArgs, error) {
	trimmed := strings.TrimSpace(args)
	if !strings.HasPrefix(trimmed, "--dir=") && !strings.HasPrefix(trimmed, "--cmd=") {
		return commandArgs{Prompt: trimmed}, nil
	}

	tokens, err := splitArgs(trimmed)
	if err != nil {
		return commandArgs{}, err
	}

	var parsed commandArgs
	rest := tokens
	for len(rest) > 0 {
		switch {
		case strings.HasPrefix(rest[0], "--dir="):
			parsed.Dir = strings.TrimPrefix(rest[0], "--dir=")
		case strings.HasPrefix(rest[0], "--cmd="):
			parsed.Cmd = strings.TrimPrefix(rest[0], "--cmd=")
		default:
			parsed.Prompt = strings.Join(rest, " ")
			return parsed, nil
		}
		rest = rest[1:]
	}
	return parsed, nil
}

// splitArgs splits on whitespace with shell-style quoting. Quotes group
// tokens; an unterminated quote is an error.
func splitArgs(s string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	var quote rune
	inToken := false

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

func (s *Server) handleNewCommand(env *feishu.EventEnvelope, args string) {
	msg := env.Event.Message

	parsed, err := parseCommandArgs(args)
	if err != nil {
		s.replyOrSend(msg, newUsage)
		return
	}

	command := ""
	if parsed.Cmd != "" {
		if command, err = launcher.ResolveCommand(s.agentCommands, parsed.Cmd); err != nil {
			s.replyOrSend(msg, err.Error())
			return
		}
	}

	// Replying "/new prompt" under a tracked message inherits its directory.
	projectDir := parsed.Dir
	if projectDir == "" && msg.ParentID != "" {
		if mapping, mapErr := s.sessions.Get(msg.ParentID); mapErr == nil {
			projectDir = mapping.ProjectDir
		}
	}

	if projectDir == "" || parsed.Prompt == "" {
		s.sendNewSessionCard(env, command)
		return
	}

	binding, ok := s.bindingFor(env)
	if !ok {
		s.replyOrSend(msg, notRegisteredText)
		return
	}

	go s.forwardNewSession(binding, projectDir, parsed.Prompt, msg.ChatID, msg.MessageID, command)
}

func (s *Server) handleReplyCommand(env *feishu.EventEnvelope, args string) {
	msg := env.Event.Message
	if msg.ParentID == "" {
		s.replyOrSend(msg, "`/reply` 指令仅支持在回复消息时使用")
		return
	}

	parsed, err := parseCommandArgs(args)
	if err != nil {
		s.replyOrSend(msg, replyUsage)
		return
	}
	if parsed.Dir != "" {
		s.replyOrSend(msg, "`/reply` 不支持 `--dir` 参数，会话目录由原始 session 决定。请去掉 `--dir` 后重试")
		return
	}

	command := ""
	if parsed.Cmd != "" {
		if command, err = launcher.ResolveCommand(s.agentCommands, parsed.Cmd); err != nil {
			s.replyOrSend(msg, err.Error())
			return
		}
	}
	if parsed.Prompt == "" {
		s.replyOrSend(msg, "请提供问题内容，格式：`/reply [--cmd=0] prompt`")
		return
	}

	s.continueSession(env, parsed.Prompt, command)
}

// handleSessionReply continues a session from a plain (non-command) reply.
func (s *Server) handleSessionReply(env *feishu.EventEnvelope, text string) {
	if text == "" {
		s.replyOrSend(env.Event.Message, "消息内容为空，无法继续会话")
		return
	}
	s.continueSession(env, text, "")
}

func (s *Server) continueSession(env *feishu.EventEnvelope, prompt, command string) {
	msg := env.Event.Message

	mapping, err := s.sessions.Get(msg.ParentID)
	if err != nil {
		s.replyOrSend(msg, sessionExpiredText)
		return
	}

	binding, ok := s.bindingFor(env)
	if !ok {
		s.replyOrSend(msg, notRegisteredText)
		return
	}

	go s.forwardContinueSession(binding, mapping, prompt, command, msg.ChatID, msg.MessageID)
}

// forwardNewSession launches a session on the backend and reports the result
// back to the chat.
func (s *Server) forwardNewSession(binding store.Binding, projectDir, prompt, chatID, messageID, command string) {
	callbackURL := s.callbackURLFor(binding)
	result, err := s.backend.newSession(context.Background(), callbackURL, binding.AuthToken, sessionRequest{
		ProjectDir:    projectDir,
		Prompt:        prompt,
		ChatID:        chatID,
		ClaudeCommand: command,
	})
	if err != nil {
		s.notify(chatID, messageID, "⚠️ "+sessionErrorText("新建会话失败", err))
		return
	}
	s.notifyNewResult(chatID, messageID, result, projectDir, callbackURL)
}

func (s *Server) forwardContinueSession(binding store.Binding, mapping store.MessageSession, prompt, command, chatID, messageID string) {
	callbackURL := mapping.CallbackURL
	if callbackURL == "" {
		callbackURL = s.callbackURLFor(binding)
	}
	result, err := s.backend.continueSession(context.Background(), callbackURL, binding.AuthToken, sessionRequest{
		SessionID:      mapping.SessionID,
		ProjectDir:     mapping.ProjectDir,
		Prompt:         prompt,
		ChatID:         chatID,
		ReplyMessageID: messageID,
		ClaudeCommand:  command,
	})
	if err != nil {
		s.notify(chatID, messageID, "⚠️ "+sessionErrorText("继续会话失败", err))
		return
	}
	s.notifyContinueResult(chatID, messageID, result)
}

// notifyNewResult announces a created session and maps the notification
// message back to it, so replies to that message continue the session.
func (s *Server) notifyNewResult(chatID, messageID string, result sessionResult, projectDir, callbackURL string) {
	switch result.Status {
	case launcher.StatusProcessing, launcher.StatusCompleted:
		text := "🆕 Claude 会话已创建\n📁 项目: " + truncatePath(projectDir)
		if result.SessionID != "" {
			text += fmt.Sprintf("\n🔑 Session: `%s...`", shortID(result.SessionID))
		}
		noticeID := s.notify(chatID, messageID, text)
		if noticeID != "" && result.SessionID != "" {
			if err := s.sessions.Save(noticeID, result.SessionID, projectDir, callbackURL); err != nil {
				s.logger.Error("failed to save message session mapping", "error", err)
			}
		}
	default:
		s.notify(chatID, messageID, "⚠️ "+fmt.Sprintf("未知的响应状态: %s", result.Status))
	}
}

func (s *Server) notifyContinueResult(chatID, messageID string, result sessionResult) {
	switch result.Status {
	case launcher.StatusProcessing:
		s.notify(chatID, messageID, "⏳ Claude 正在处理您的问题，请稍候...")
	case launcher.StatusCompleted:
		if result.Output != "" {
			s.notify(chatID, messageID, "✅ Claude 已完成: "+truncateRunes(result.Output, 500))
		} else {
			s.notify(chatID, messageID, "✅ Claude 已完成")
		}
	default:
		s.notify(chatID, messageID, "⚠️ "+fmt.Sprintf("未知的响应状态: %s", result.Status))
	}
}

// sessionErrorText maps a backend failure to a chat notification.
func sessionErrorText(prefix string, err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Detail != "" {
			return fmt.Sprintf("%s: %s", prefix, statusErr.Detail)
		}
		return fmt.Sprintf("Callback 服务返回错误: HTTP %d", statusErr.Code)
	}
	return fmt.Sprintf("Callback 服务不可达: %v", err)
}

// notify delivers text to the chat, replying to messageID when present.
// Returns the sent message's ID, or "" on failure.
func (s *Server) notify(chatID, messageID, text string) string {
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	var (
		sentID string
		err    error
	)
	if messageID != "" {
		sentID, err = s.im.ReplyText(ctx, messageID, text)
	} else {
		sentID, err = s.im.SendText(ctx, chatID, "chat_id", text)
	}
	if err != nil {
		s.logger.Error("failed to send notification", "chat_id", chatID, "error", err)
		return ""
	}
	return sentID
}

// replyOrSend answers an inbound message in place.
func (s *Server) replyOrSend(msg feishu.Message, text string) {
	s.notify(msg.ChatID, msg.MessageID, text)
}

// bindingFor finds the binding of whoever triggered the event, trying the
// message sender's IDs first and the card operator's second.
func (s *Server) bindingFor(env *feishu.EventEnvelope) (store.Binding, bool) {
	ids := append(env.Event.Sender.SenderID.Values(), env.Event.Operator.Values()...)
	for _, id := range ids {
		if binding, err := s.bindings.Get(id); err == nil && binding.AuthToken != "" {
			return binding, true
		}
	}
	return store.Binding{}, false
}

// callbackURLFor prefers the binding's registered URL over the configured
// default backend.
func (s *Server) callbackURLFor(binding store.Binding) string {
	if binding.CallbackURL != "" {
		return trimBaseURL(binding.CallbackURL)
	}
	return trimBaseURL(s.backendURL)
}

// truncatePath shortens long directory paths from the front, keeping the
// recognizable tail.
func truncatePath(path string) string {
	runes := []rune(path)
	if len(runes) <= 60 {
		return path
	}
	return "..." + string(runes[len(runes)-57:])
}

// shortID returns the 8-character session ID prefix used in notifications.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
