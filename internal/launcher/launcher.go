// ABOUTME: Spawns agent sessions in the project directory via the login shell
// ABOUTME: Short startup check, background waiter, and IM failure notification

package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// startupCheck is how long a launch waits before declaring the child
	// healthy and backgrounding it.
	startupCheck = 2 * time.Second

	// waitTimeout is the hard limit the background waiter enforces.
	waitTimeout = 600 * time.Second

	// maxNotifyLen truncates error output in IM notifications.
	maxNotifyLen = 500
)

// Launch statuses returned to callers.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// Notifier delivers failure notices to the chat a session belongs to.
type Notifier interface {
	NotifyError(ctx context.Context, chatID, message string) error
}

// Result is the outcome of a launch attempt.
type Result struct {
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Launcher starts agent processes for new and continued sessions.
type Launcher struct {
	shell    string
	notifier Notifier
	logger   *slog.Logger

	startupCheck time.Duration
	waitTimeout  time.Duration
	newSessionID func() string
}

// New creates a launcher. notifier may be nil to disable failure notices.
func New(notifier Notifier, logger *slog.Logger) *Launcher {
	return &Launcher{
		shell:        os.Getenv("SHELL"),
		notifier:     notifier,
		logger:       logger,
		startupCheck: startupCheck,
		waitTimeout:  waitTimeout,
		newSessionID: uuid.NewString,
	}
}

// Continue resumes an existing session with a new prompt.
func (l *Launcher) Continue(command, sessionID, projectDir, prompt, chatID string) (Result, error) {
	if sessionID == "" {
		return Result{}, errors.New("Session not registered or has expired")
	}
	if err := validateLaunch(projectDir, prompt); err != nil {
		return Result{}, err
	}

	line := fmt.Sprintf("%s -p %s --resume %s", command, shellQuote(prompt), shellQuote(sessionID))
	return l.run(line, sessionID, projectDir, chatID)
}

// Start launches a fresh session and returns its generated session ID.
func (l *Launcher) Start(command, projectDir, prompt, chatID string) (Result, error) {
	if err := validateLaunch(projectDir, prompt); err != nil {
		return Result{}, err
	}

	sessionID := l.newSessionID()
	line := fmt.Sprintf("%s -p %s --session-id %s", command, shellQuote(prompt), shellQuote(sessionID))
	result, err := l.run(line, sessionID, projectDir, chatID)
	if err != nil {
		return Result{}, err
	}
	result.SessionID = sessionID
	return result, nil
}

func validateLaunch(projectDir, prompt string) error {
	if projectDir == "" {
		return errors.New("Missing project_dir")
	}
	if prompt == "" {
		return errors.New("Missing prompt")
	}
	if _, err := os.Stat(projectDir); err != nil {
		return fmt.Errorf("Project directory not found: %s", projectDir)
	}
	return nil
}

// run spawns the wrapped command and watches it through the startup window.
// A child still alive after the window is handed to a background waiter.
func (l *Launcher) run(line, sessionID, projectDir, chatID string) (Result, error) {
	if command := strings.TrimSpace(line); command == "" {
		return Result{}, errors.New("empty agent command")
	}

	argv := shellWrap(l.shell, line)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = projectDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.logger.Info("launching agent",
		"session_id", sessionID,
		"project_dir", projectDir,
		"shell", argv[0],
	)

	if err := cmd.Start(); err != nil {
		l.logger.Error("agent failed to start", "session_id", sessionID, "error", err)
		return Result{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			l.logger.Info("agent completed quickly", "session_id", sessionID)
			return Result{Status: StatusCompleted, Output: truncate(stdout.String(), 2*maxNotifyLen)}, nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = fmt.Sprintf("命令执行失败，退出码: %d", cmd.ProcessState.ExitCode())
		}
		l.logger.Warn("agent failed during startup", "session_id", sessionID, "error", msg)
		return Result{}, errors.New(msg)
	case <-time.After(l.startupCheck):
		go l.waitForCompletion(cmd, done, &stderr, sessionID, chatID)
		return Result{Status: StatusProcessing}, nil
	}
}

// waitForCompletion babysits a backgrounded agent and reports failures to the
// originating chat.
func (l *Launcher) waitForCompletion(cmd *exec.Cmd, done <-chan error, stderr *bytes.Buffer, sessionID, chatID string) {
	select {
	case err := <-done:
		if err == nil {
			l.logger.Info("agent completed", "session_id", sessionID)
			return
		}
		msg := truncate(strings.TrimSpace(stderr.String()), maxNotifyLen)
		l.logger.Warn("agent exited abnormally",
			"session_id", sessionID,
			"exit_code", cmd.ProcessState.ExitCode(),
			"error", msg,
		)
		if msg != "" {
			l.notify(chatID, msg)
		}
	case <-time.After(l.waitTimeout):
		l.logger.Error("agent timed out", "session_id", sessionID, "timeout", l.waitTimeout)
		cmd.Process.Kill()
		l.notify(chatID, fmt.Sprintf("执行超时（超过 %d 分钟）", int(l.waitTimeout.Minutes())))
	}
}

func (l *Launcher) notify(chatID, errMsg string) {
	if l.notifier == nil || chatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.notifier.NotifyError(ctx, chatID, "❌ Claude 执行异常:\n"+errMsg); err != nil {
		l.logger.Error("failed to send error notification", "chat_id", chatID, "error", err)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
