// ABOUTME: Interactive card builders for registration and session creation
// ABOUTME: Authorization prompts, status cards, and the new-session form

package gateway

import (
	"fmt"
	"path/filepath"

	"github.com/approvd/approvd/internal/feishu"
)

// Card action names carried in callback values.
const (
	actionApproveRegister = "approve_register"
	actionDenyRegister    = "deny_register"
	actionUnbindRegister  = "unbind_register"
)

// Form element names of the new-session card.
const (
	formName        = "dir_prompt_form"
	submitButton    = "submit_btn"
	browseSelectBtn = "browse_dir_select_btn"
	browseCustomBtn = "browse_custom_btn"
	browseResultBtn = "browse_result_btn"
	fieldDirectory  = "directory"
	fieldCustomDir  = "custom_dir"
	fieldBrowse     = "browse_result"
	fieldCommand    = "claude_command"
	fieldPrompt     = "prompt"
)

// authorizationCard asks the owner to approve a backend binding. A non-empty
// oldCallbackURL renders the device-change variant.
func authorizationCard(callbackURL, ownerID, requestIP, oldCallbackURL string, replyInThread bool) feishu.Card {
	title := "新的 Callback 后端注册请求"
	content := fmt.Sprintf("**来源 IP**: `%s`\n**Callback URL**: `%s`\n\n是否允许该后端接收你的飞书消息？", requestIP, callbackURL)
	if oldCallbackURL != "" {
		title = "Callback 后端更换设备请求"
		content = fmt.Sprintf("**旧设备**: `%s`\n**新设备**: `%s`\n**来源 IP**: `%s`\n\n是否允许更换到新设备？", oldCallbackURL, callbackURL, requestIP)
	}

	approveValue := map[string]any{
		"action":           actionApproveRegister,
		"callback_url":     callbackURL,
		"owner_id":         ownerID,
		"request_ip":       requestIP,
		"old_callback_url": oldCallbackURL,
		"reply_in_thread":  replyInThread,
	}
	denyValue := map[string]any{
		"action":       actionDenyRegister,
		"callback_url": callbackURL,
		"owner_id":     ownerID,
	}

	return feishu.NewCard(title, "blue",
		feishu.MarkdownDiv(content),
		feishu.Divider(),
		feishu.ButtonColumns(
			feishu.WeightedColumn(1, "top", feishu.Button{
				Tag:       "button",
				Text:      feishu.PlainText("允许"),
				Type:      "primary",
				Width:     "fill",
				Behaviors: feishu.Callback(approveValue),
			}),
			feishu.WeightedColumn(1, "top", feishu.Button{
				Tag:       "button",
				Text:      feishu.PlainText("拒绝"),
				Type:      "danger",
				Width:     "fill",
				Behaviors: feishu.Callback(denyValue),
			}),
		),
	)
}

// registerStatusCard replaces an authorization card after a decision.
// button, when non-nil, is appended in its own row.
func registerStatusCard(title, content, template string, button *feishu.Button) feishu.Card {
	elements := []any{feishu.MarkdownDiv(content)}
	if button != nil {
		elements = append(elements, feishu.ButtonColumns(
			feishu.WeightedColumn(1, "top", *button),
		))
	}
	return feishu.NewCard(title, template, elements...)
}

// unbindButton detaches an approved binding from its status card.
func unbindButton(callbackURL, ownerID string) *feishu.Button {
	return &feishu.Button{
		Tag:   "button",
		Text:  feishu.PlainText("解绑"),
		Type:  "danger",
		Width: "default",
		Behaviors: feishu.Callback(map[string]any{
			"action":       actionUnbindRegister,
			"callback_url": callbackURL,
			"owner_id":     ownerID,
		}),
	}
}

// newSessionCardParams feeds the interactive session-creation form.
type newSessionCardParams struct {
	OwnerID         string
	ChatID          string
	MessageID       string
	RecentDirs      []string
	AgentCommands   []string
	SelectedCommand string
	CustomDir       string
	Prompt          string
	Browse          *browseResult
}

// newSessionCard builds the directory/prompt form. Every interactive element
// carries the same callback value so any trigger can rebuild the card.
func newSessionCard(p newSessionCardParams) feishu.Card {
	value := map[string]any{
		"owner_id":   p.OwnerID,
		"chat_id":    p.ChatID,
		"message_id": p.MessageID,
	}

	browseBtn := func(name string) feishu.Button {
		return feishu.Button{
			Tag:            "button",
			Name:           name,
			Text:           feishu.PlainText("浏览"),
			Type:           "default",
			Width:          "fill",
			FormActionType: "submit",
			Behaviors:      feishu.Callback(value),
		}
	}
	label := func(text string) feishu.Div {
		return feishu.TextDiv(text)
	}

	initialDir := ""
	if len(p.RecentDirs) > 0 {
		initialDir = p.RecentDirs[0]
	}

	elements := []any{
		feishu.MarkdownDiv("1️⃣ 选择工作目录"),
		feishu.Columns(
			feishu.WeightedColumn(1, "center", label("常用目录")),
			feishu.WeightedColumn(4, "top", feishu.SelectStatic{
				Tag:           "select_static",
				Name:          fieldDirectory,
				Placeholder:   feishu.PlainText("选择工作目录"),
				Width:         "fill",
				Options:       feishu.Options(p.RecentDirs...),
				InitialOption: initialDir,
			}),
			feishu.WeightedColumn(1, "top", browseBtn(browseSelectBtn)),
		),
		feishu.Columns(
			feishu.WeightedColumn(1, "center", label("自定义路径")),
			feishu.WeightedColumn(4, "top", feishu.Input{
				Tag:          "input",
				Name:         fieldCustomDir,
				Placeholder:  feishu.PlainText("输入完整路径，如 /home/user/project"),
				Width:        "fill",
				DefaultValue: p.CustomDir,
			}),
			feishu.WeightedColumn(1, "top", browseBtn(browseCustomBtn)),
		),
	}

	hint := "💡 优先级：自定义路径 > 常用目录"
	if p.Browse != nil {
		hint = "💡 优先级：选择子目录 > 自定义路径 > 常用目录"
		if len(p.Browse.Dirs) > 0 {
			options := make([]feishu.SelectOption, len(p.Browse.Dirs))
			for i, dir := range p.Browse.Dirs {
				options[i] = feishu.SelectOption{Text: feishu.PlainText(filepath.Base(dir)), Value: dir}
			}
			elements = append(elements, feishu.Columns(
				feishu.WeightedColumn(1, "center", label("选择子目录")),
				feishu.WeightedColumn(4, "top", feishu.SelectStatic{
					Tag:         "select_static",
					Name:        fieldBrowse,
					Placeholder: feishu.PlainText(fmt.Sprintf("选择 %s 的子目录", p.Browse.Current)),
					Width:       "fill",
					Options:     options,
				}),
				feishu.WeightedColumn(1, "top", browseBtn(browseResultBtn)),
			))
		} else {
			elements = append(elements, feishu.MarkdownDiv(fmt.Sprintf("📁 %s 下没有子目录", p.Browse.Current)))
		}
	}
	elements = append(elements, feishu.MarkdownDiv(hint))

	promptStep := "2️⃣"
	if len(p.AgentCommands) > 1 {
		promptStep = "3️⃣"
		options := make([]feishu.SelectOption, len(p.AgentCommands))
		for i, cmd := range p.AgentCommands {
			options[i] = feishu.SelectOption{
				Text:  feishu.PlainText(fmt.Sprintf("[%d] %s", i, cmd)),
				Value: cmd,
			}
		}
		initial := p.SelectedCommand
		if initial == "" {
			initial = p.AgentCommands[0]
		}
		elements = append(elements,
			feishu.Divider(),
			feishu.MarkdownDiv("2️⃣ 选择 Claude Command"),
			feishu.Columns(
				feishu.WeightedColumn(1, "center", label("命令")),
				feishu.WeightedColumn(5, "top", feishu.SelectStatic{
					Tag:           "select_static",
					Name:          fieldCommand,
					Placeholder:   feishu.PlainText("选择 Claude 命令"),
					Width:         "fill",
					Options:       options,
					InitialOption: initial,
				}),
			),
		)
	}

	elements = append(elements,
		feishu.Divider(),
		feishu.MarkdownDiv(promptStep+" 输入提示词"),
		feishu.Columns(
			feishu.WeightedColumn(1, "center", label("提示词")),
			feishu.WeightedColumn(5, "top", feishu.Input{
				Tag:          "input",
				Name:         fieldPrompt,
				InputType:    "multiline_text",
				Placeholder:  feishu.PlainText("请输入您的问题或任务描述"),
				Width:        "fill",
				DefaultValue: p.Prompt,
			}),
		),
		feishu.Button{
			Tag:            "button",
			Name:           submitButton,
			Text:           feishu.PlainText("创建会话"),
			Type:           "primary",
			Width:          "default",
			FormActionType: "submit",
			Behaviors:      feishu.Callback(value),
		},
	)

	return feishu.NewCard("🧠 完善信息以创建会话", "blue", feishu.NewForm(formName, elements...))
}

// creatingSessionCard replaces the form while the backend launches the agent.
func creatingSessionCard(projectDir, prompt string) feishu.Card {
	return feishu.NewCard("⏳ 正在创建会话", "blue",
		feishu.TextDiv("请稍候，正在启动 Claude..."),
		feishu.Divider(),
		feishu.MarkdownDiv("📁 工作目录："+projectDir),
		feishu.MarkdownDiv("💬 提示词："+truncateRunes(prompt, 100)),
	)
}

// truncateRunes caps s at n runes with an ellipsis marker.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
