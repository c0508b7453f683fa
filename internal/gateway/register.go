// ABOUTME: Backend registration handshake and binding lifecycle
// ABOUTME: Owner authorization cards, token minting, and unbind handling

package gateway

import (
	"context"
	"time"

	"github.com/approvd/approvd/internal/auth"
	"github.com/approvd/approvd/internal/feishu"
	"github.com/approvd/approvd/internal/store"
)

const gatewayVersion = "1.0.0"

// processRegistration runs the asynchronous half of /gw/register. A binding
// to the same URL is refreshed silently; anything else needs the owner's
// approval via an authorization card.
func (s *Server) processRegistration(callbackURL, ownerID, requestIP string, replyInThread bool) {
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	existing, err := s.bindings.Get(ownerID)
	if err == nil && existing.CallbackURL == callbackURL {
		s.refreshBinding(ctx, callbackURL, ownerID, requestIP, replyInThread)
		return
	}

	oldCallbackURL := ""
	if err == nil {
		oldCallbackURL = existing.CallbackURL
	} else {
		// Unknown owner: make the backend prove it belongs to this owner
		// before we ping a real user with an authorization card.
		isOwner, checkErr := s.backend.checkOwner(ctx, callbackURL, ownerID)
		if checkErr != nil || !isOwner {
			s.logger.Warn("registration owner check failed, dropping request",
				"owner_id", ownerID, "callback_url", callbackURL, "error", checkErr)
			return
		}
	}

	card := authorizationCard(callbackURL, ownerID, requestIP, oldCallbackURL, replyInThread)
	if _, err := s.im.SendCard(ctx, ownerID, feishu.DetectReceiveIDType(ownerID), card); err != nil {
		s.logger.Error("failed to send authorization card", "owner_id", ownerID, "error", err)
		return
	}
	s.logger.Info("authorization card sent", "owner_id", ownerID, "callback_url", callbackURL)
}

// refreshBinding re-mints the token for an already-approved URL and delivers
// it without bothering the owner.
func (s *Server) refreshBinding(ctx context.Context, callbackURL, ownerID, requestIP string, replyInThread bool) {
	token := auth.Mint(s.tokenSecret, ownerID, time.Now())
	if err := s.backend.notifyRegistered(ctx, callbackURL, ownerID, token, gatewayVersion); err != nil {
		s.logger.Warn("failed to notify backend of refreshed token", "callback_url", callbackURL, "error", err)
	}
	if err := s.bindings.Upsert(ownerID, store.Binding{
		CallbackURL:   callbackURL,
		AuthToken:     token,
		RegisteredIP:  requestIP,
		ReplyInThread: replyInThread,
	}); err != nil {
		s.logger.Error("failed to save refreshed binding", "owner_id", ownerID, "error", err)
	}
}

// handleRegisterAction dispatches approve/deny/unbind clicks on
// authorization cards.
func (s *Server) handleRegisterAction(value feishu.RawValue) feishu.ActionResponse {
	switch value.String("action") {
	case actionApproveRegister:
		return s.approveRegistration(value)
	case actionDenyRegister:
		return s.denyRegistration(value)
	case actionUnbindRegister:
		return s.unbindRegistration(value)
	default:
		return feishu.ToastResponse(feishu.ToastError, "未知的操作")
	}
}

func (s *Server) approveRegistration(value feishu.RawValue) feishu.ActionResponse {
	callbackURL := value.String("callback_url")
	ownerID := value.String("owner_id")
	requestIP := value.String("request_ip")
	replyInThread, _ := value["reply_in_thread"].(bool)

	if s.tokenSecret == "" {
		return feishu.ToastResponse(feishu.ToastError, "服务配置错误")
	}

	token := auth.Mint(s.tokenSecret, ownerID, time.Now())
	if err := s.bindings.Upsert(ownerID, store.Binding{
		CallbackURL:   callbackURL,
		AuthToken:     token,
		RegisteredIP:  requestIP,
		ReplyInThread: replyInThread,
	}); err != nil {
		s.logger.Error("failed to save binding", "owner_id", ownerID, "error", err)
		return feishu.ToastResponse(feishu.ToastError, "处理失败")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		if err := s.backend.notifyRegistered(ctx, callbackURL, ownerID, token, gatewayVersion); err != nil {
			s.logger.Warn("failed to deliver token to backend", "callback_url", callbackURL, "error", err)
		}
	}()

	card := registerStatusCard("✓ 已授权", "**Callback URL**: `"+callbackURL+"`\n**来源 IP**: `"+requestIP+"`\n\n已成功授权该后端接收你的飞书消息",
		"green", unbindButton(callbackURL, ownerID))
	return feishu.ActionResponse{
		Toast: &feishu.Toast{Type: feishu.ToastSuccess, Content: "已授权绑定"},
		Card:  feishu.RawCard(card),
	}
}

func (s *Server) denyRegistration(value feishu.RawValue) feishu.ActionResponse {
	callbackURL := value.String("callback_url")
	ownerID := value.String("owner_id")

	// Denying a request from the currently bound URL also severs the binding.
	toast := &feishu.Toast{Type: feishu.ToastInfo, Content: "已拒绝注册请求"}
	if existing, err := s.bindings.Get(ownerID); err == nil && existing.CallbackURL == callbackURL {
		if err := s.bindings.Delete(ownerID); err != nil {
			s.logger.Error("failed to delete binding", "owner_id", ownerID, "error", err)
		} else {
			toast = &feishu.Toast{Type: feishu.ToastSuccess, Content: "已拒绝并解除绑定"}
		}
	}

	card := registerStatusCard("✗ 已拒绝", "**Callback URL**: `"+callbackURL+"`\n\n已拒绝该后端的注册请求", "red", nil)
	return feishu.ActionResponse{Toast: toast, Card: feishu.RawCard(card)}
}

func (s *Server) unbindRegistration(value feishu.RawValue) feishu.ActionResponse {
	callbackURL := value.String("callback_url")
	ownerID := value.String("owner_id")

	if existing, err := s.bindings.Get(ownerID); err == nil && existing.CallbackURL == callbackURL {
		if err := s.bindings.Delete(ownerID); err != nil {
			s.logger.Error("failed to delete binding", "owner_id", ownerID, "error", err)
		}
	}

	card := registerStatusCard("✗ 已解绑", "**Callback URL**: `"+callbackURL+"`\n\n已解除该后端的绑定，将不再接收飞书消息", "grey", nil)
	return feishu.ActionResponse{
		Toast: &feishu.Toast{Type: feishu.ToastInfo, Content: "已解绑"},
		Card:  feishu.RawCard(card),
	}
}
