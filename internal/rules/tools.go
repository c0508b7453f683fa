// ABOUTME: Tool template table driving card rendering and permission rules
// ABOUTME: Loaded from a TOML file with a built-in fallback set

package rules

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ToolTemplate describes how one agent tool is displayed and how its
// always-allow rule is formatted.
type ToolTemplate struct {
	Name           string `toml:"name"`
	DisplayName    string `toml:"display_name"`
	Color          string `toml:"color"`
	Icon           string `toml:"icon"`
	InputField     string `toml:"input_field"`
	DetailTemplate string `toml:"detail_template"`
	RuleTemplate   string `toml:"rule_template"`
	LimitLength    int    `toml:"limit_length"`
	TruncateSuffix string `toml:"truncate_suffix"`
}

// Table maps tool names to their templates.
type Table struct {
	tools map[string]ToolTemplate
}

// tomlFile is the on-disk shape of the template table.
type tomlFile struct {
	Tools map[string]ToolTemplate `toml:"tools"`
}

// LoadTable reads a TOML template table. An empty path returns the built-in
// table.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return BuiltinTable(), nil
	}

	var file tomlFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("loading tool templates: %w", err)
	}

	tools := make(map[string]ToolTemplate, len(file.Tools))
	for name, tmpl := range file.Tools {
		if tmpl.Name == "" {
			tmpl.Name = name
		}
		if tmpl.TruncateSuffix == "" {
			tmpl.TruncateSuffix = "..."
		}
		tools[name] = tmpl
	}
	return &Table{tools: tools}, nil
}

// BuiltinTable returns the default template set.
func BuiltinTable() *Table {
	builtin := []ToolTemplate{
		{Name: "Bash", DisplayName: "命令执行", Color: "orange", Icon: "terminal", InputField: "command", DetailTemplate: "{command}", RuleTemplate: "Bash({command})", LimitLength: 500},
		{Name: "Edit", DisplayName: "编辑文件", Color: "yellow", Icon: "edit", InputField: "file_path", DetailTemplate: "{file_path}", RuleTemplate: "Edit({file_path})"},
		{Name: "Write", DisplayName: "写入文件", Color: "yellow", Icon: "write", InputField: "file_path", DetailTemplate: "{file_path}", RuleTemplate: "Write({file_path})"},
		{Name: "Read", DisplayName: "读取文件", Color: "blue", Icon: "read", InputField: "file_path", DetailTemplate: "{file_path}", RuleTemplate: "Read({file_path})"},
		{Name: "Glob", DisplayName: "文件搜索", Color: "blue", Icon: "search", InputField: "pattern", DetailTemplate: "{pattern}", RuleTemplate: "Glob({pattern})"},
		{Name: "Grep", DisplayName: "内容搜索", Color: "blue", Icon: "search", InputField: "pattern", DetailTemplate: "{pattern}", RuleTemplate: "Grep({pattern})"},
		{Name: "WebSearch", DisplayName: "网络搜索", Color: "purple", Icon: "web", InputField: "query", DetailTemplate: "{query}", RuleTemplate: "WebSearch({query})", LimitLength: 200},
		{Name: "WebFetch", DisplayName: "获取网页", Color: "purple", Icon: "web", InputField: "url", DetailTemplate: "{url}", RuleTemplate: "WebFetch({url})", LimitLength: 200},
		{Name: "Skill", DisplayName: "技能调用", Color: "green", Icon: "skill", InputField: "skill", DetailTemplate: "", RuleTemplate: "Skill({skill})"},
	}

	tools := make(map[string]ToolTemplate, len(builtin))
	for _, tmpl := range builtin {
		tmpl.TruncateSuffix = "..."
		tools[tmpl.Name] = tmpl
	}
	return &Table{tools: tools}
}

// Get returns the template for toolName, synthesizing a default for unknown
// tools. MCP tools (mcp__*) match by exact name in rules; everything else
// falls back to a wildcard rule.
func (t *Table) Get(toolName string) ToolTemplate {
	if tmpl, ok := t.tools[toolName]; ok {
		return tmpl
	}

	rule := toolName + "(*)"
	if strings.HasPrefix(toolName, "mcp__") {
		rule = toolName
	}
	return ToolTemplate{
		Name:           toolName,
		DisplayName:    toolName,
		Color:          "grey",
		DetailTemplate: "{tool_name}",
		RuleTemplate:   rule,
		TruncateSuffix: "...",
	}
}

// FormatRule renders the always-allow rule string for a tool invocation,
// e.g. "Bash(npm install)". An empty input value becomes a wildcard.
func (t *Table) FormatRule(toolName string, toolInput map[string]any) string {
	tmpl := t.Get(toolName)

	value := stringField(toolInput, tmpl.InputField)
	if value == "" {
		value = "*"
	}

	rule := tmpl.RuleTemplate
	rule = strings.ReplaceAll(rule, "{"+tmpl.InputField+"}", value)
	rule = strings.ReplaceAll(rule, "{tool_name}", tmpl.Name)
	return rule
}

// FormatDetail renders the human-readable detail line for a tool invocation,
// truncated per the template's length limit.
func (t *Table) FormatDetail(toolName string, toolInput map[string]any, description string) string {
	tmpl := t.Get(toolName)

	value := stringField(toolInput, tmpl.InputField)
	if tmpl.LimitLength > 0 && len(value) > tmpl.LimitLength {
		value = value[:tmpl.LimitLength] + tmpl.TruncateSuffix
	}

	detail := tmpl.DetailTemplate
	detail = strings.ReplaceAll(detail, "{"+tmpl.InputField+"}", value)
	detail = strings.ReplaceAll(detail, "{tool_name}", tmpl.Name)

	if description != "" {
		detail += " " + description
	}
	return detail
}

func stringField(input map[string]any, field string) string {
	if field == "" || input == nil {
		return ""
	}
	switch v := input[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
