// ABOUTME: Agent command template selection and login-shell wrapping
// ABOUTME: Resolves --cmd arguments by index or substring match

package launcher

import (
	"fmt"
	"strconv"
	"strings"
)

// ResolveCommand picks a command template from the configured list. An empty
// arg selects the first entry; a numeric arg selects by index; anything else
// matches by substring. The returned error message is user-facing.
func ResolveCommand(commands []string, arg string) (string, error) {
	if len(commands) == 0 {
		commands = []string{"claude"}
	}
	if arg == "" {
		return commands[0], nil
	}

	if idx, err := strconv.Atoi(arg); err == nil && !strings.ContainsAny(arg, "+-") {
		if idx >= 0 && idx < len(commands) {
			return commands[idx], nil
		}
		return "", fmt.Errorf("索引 %d 超出范围，可用命令: %s", idx, formatCommandList(commands))
	}

	for _, cmd := range commands {
		if strings.Contains(cmd, arg) {
			return cmd, nil
		}
	}
	return "", fmt.Errorf("未找到包含 `%s` 的命令，可用命令: %s", arg, formatCommandList(commands))
}

func formatCommandList(commands []string) string {
	parts := make([]string, len(commands))
	for i, cmd := range commands {
		parts[i] = fmt.Sprintf("`[%d] %s`", i, cmd)
	}
	return strings.Join(parts, ", ")
}

// shellWrap wraps command in the user's interactive login shell so aliases
// and environment are loaded.
func shellWrap(shell, command string) []string {
	if shell == "" {
		shell = "/bin/sh"
	}
	switch {
	case strings.HasSuffix(shell, "/zsh"), shell == "zsh":
		return []string{shell, "-ic", command}
	case strings.HasSuffix(shell, "/fish"), shell == "fish":
		return []string{shell, "-c", command}
	default:
		return []string{shell, "-lc", command}
	}
}

// shellQuote single-quotes s for safe embedding in a shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
