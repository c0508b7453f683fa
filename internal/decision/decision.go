// ABOUTME: Pure decision handling shared by HTML pages, card actions, and RPCs
// ABOUTME: Validates the action, probes the hook process, and drives the broker

package decision

import (
	"errors"
	"log/slog"
	"os"
	"syscall"

	"github.com/approvd/approvd/internal/broker"
	"github.com/approvd/approvd/internal/rules"
	"github.com/approvd/approvd/internal/wire"
)

// Actions a user can take on a pending permission request.
const (
	ActionAllow     = "allow"
	ActionAlways    = "always"
	ActionDeny      = "deny"
	ActionInterrupt = "interrupt"
)

// Pending exposes the broker operations the decision core needs.
type Pending interface {
	Data(id string) (broker.Data, bool)
	Status(id string) (broker.Status, bool)
	Resolve(id string, decision wire.Decision) error
}

// Outcome is the caller-agnostic result of a decision attempt. Callers render
// it as an HTML page, a card toast, or a JSON body.
type Outcome struct {
	Success  bool
	Decision string // "allow" or "deny" when Success
	Message  string
}

// Handler applies user decisions to pending requests.
type Handler struct {
	pending Pending
	tools   *rules.Table
	logger  *slog.Logger

	// pidAlive is swapped in tests.
	pidAlive func(pid int) bool
}

// NewHandler creates a decision handler over the given broker and tool table.
func NewHandler(pending Pending, tools *rules.Table, logger *slog.Logger) *Handler {
	return &Handler{
		pending:  pending,
		tools:    tools,
		logger:   logger,
		pidAlive: processAlive,
	}
}

// Handle validates and applies one decision. projectDir overrides the
// request's recorded project directory for rule writing when non-empty.
// Failures are reported through the outcome, not an error, because every
// caller shows the message to the user.
func (h *Handler) Handle(requestID, action, projectDir string) Outcome {
	if requestID == "" {
		return Outcome{Message: "缺少请求 ID"}
	}

	switch action {
	case ActionAllow, ActionAlways, ActionDeny, ActionInterrupt:
	default:
		return Outcome{Message: "未知的动作类型: " + action}
	}

	data, ok := h.pending.Data(requestID)
	if !ok {
		return Outcome{Message: "请求不存在或已过期"}
	}

	// Check the request state before probing the hook process, so a decision
	// on an already-settled request gets a precise refusal even after the
	// hook exits.
	status, _ := h.pending.Status(requestID)
	switch status {
	case broker.StatusResolved:
		return Outcome{Message: "请求已被处理，请勿重复操作"}
	case broker.StatusDisconnected:
		return Outcome{Message: "连接已断开，Claude 可能已继续执行其他操作"}
	}

	if data.HookPID > 0 && !h.pidAlive(data.HookPID) {
		h.logger.Info("hook process gone, cannot deliver decision",
			"request_id", requestID,
			"session_id", data.SessionID,
			"hook_pid", data.HookPID,
		)
		return Outcome{Message: "无法传递决策：权限请求已超时或被取消，请返回终端查看当前状态"}
	}

	var verdict wire.Decision
	var decisionType string
	switch action {
	case ActionAllow, ActionAlways:
		verdict = wire.Allow()
		decisionType = wire.BehaviorAllow
	case ActionDeny:
		verdict = wire.Deny("用户拒绝", false)
		decisionType = wire.BehaviorDeny
	case ActionInterrupt:
		verdict = wire.Deny("用户拒绝并中断", true)
		decisionType = wire.BehaviorDeny
	}

	h.logger.Info("applying decision",
		"request_id", requestID,
		"session_id", data.SessionID,
		"action", action,
	)

	// Write the rule before resolving so a failed write leaves the request
	// pending and the user can retry.
	if action == ActionAlways {
		dir := projectDir
		if dir == "" {
			dir = data.ProjectDir
		}
		rule := h.tools.FormatRule(data.ToolName, data.ToolInput)
		if err := rules.WriteAlwaysAllow(dir, rule); err != nil {
			h.logger.Error("failed to write always-allow rule",
				"request_id", requestID, "rule", rule, "error", err)
			return Outcome{Message: "写入规则失败，请检查项目目录权限后重试"}
		}
	}

	if err := h.pending.Resolve(requestID, verdict); err != nil {
		switch {
		case errors.Is(err, broker.ErrAlreadyResolved):
			return Outcome{Message: "请求已被处理，请勿重复操作"}
		case errors.Is(err, broker.ErrDisconnected):
			return Outcome{Message: "连接已断开，Claude 可能已继续执行其他操作"}
		default:
			return Outcome{Message: "处理失败: " + err.Error()}
		}
	}

	return Outcome{Success: true, Decision: decisionType, Message: successMessage(action)}
}

func successMessage(action string) string {
	switch action {
	case ActionAllow:
		return "已批准运行"
	case ActionAlways:
		return "已始终允许，后续相同操作将自动批准"
	case ActionDeny:
		return "已拒绝运行"
	case ActionInterrupt:
		return "已拒绝并中断"
	}
	return "操作成功"
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to someone else.
	return err == nil || errors.Is(err, syscall.EPERM)
}
