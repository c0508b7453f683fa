// ABOUTME: Tests for agent launching and command resolution
// ABOUTME: Covers startup outcomes, shell wrapping, and failure notification

package launcher

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCommandDefault(t *testing.T) {
	cmd, err := ResolveCommand([]string{"claude", "claude --model opus"}, "")
	require.NoError(t, err)
	assert.Equal(t, "claude", cmd)
}

func TestResolveCommandByIndex(t *testing.T) {
	commands := []string{"claude", "claude --model opus"}

	cmd, err := ResolveCommand(commands, "1")
	require.NoError(t, err)
	assert.Equal(t, "claude --model opus", cmd)

	_, err = ResolveCommand(commands, "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "索引 5 超出范围")
	assert.Contains(t, err.Error(), "`[0] claude`")
}

func TestResolveCommandBySubstring(t *testing.T) {
	commands := []string{"claude", "claude --model opus"}

	cmd, err := ResolveCommand(commands, "opus")
	require.NoError(t, err)
	assert.Equal(t, "claude --model opus", cmd)

	_, err = ResolveCommand(commands, "gemini")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "未找到包含 `gemini` 的命令")
}

func TestResolveCommandEmptyList(t *testing.T) {
	cmd, err := ResolveCommand(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "claude", cmd)
}

func TestShellWrap(t *testing.T) {
	assert.Equal(t, []string{"/bin/zsh", "-ic", "claude -p 'x'"}, shellWrap("/bin/zsh", "claude -p 'x'"))
	assert.Equal(t, []string{"/usr/bin/fish", "-c", "claude"}, shellWrap("/usr/bin/fish", "claude"))
	assert.Equal(t, []string{"/bin/bash", "-lc", "claude"}, shellWrap("/bin/bash", "claude"))
	assert.Equal(t, []string{"/bin/sh", "-lc", "claude"}, shellWrap("", "claude"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain text'`, shellQuote("plain text"))
	assert.Equal(t, `'it'\''s quoted'`, shellQuote("it's quoted"))
}

// recordingNotifier captures error notifications.
type recordingNotifier struct {
	mu       sync.Mutex
	chatID   string
	message  string
	notified chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{notified: make(chan struct{}, 1)}
}

func (n *recordingNotifier) NotifyError(ctx context.Context, chatID, message string) error {
	n.mu.Lock()
	n.chatID = chatID
	n.message = message
	n.mu.Unlock()
	select {
	case n.notified <- struct{}{}:
	default:
	}
	return nil
}

func newTestLauncher(notifier Notifier) *Launcher {
	l := New(notifier, slog.Default())
	l.shell = "/bin/sh"
	l.startupCheck = 300 * time.Millisecond
	l.waitTimeout = 5 * time.Second
	l.newSessionID = func() string { return "11111111-2222-3333-4444-555555555555" }
	return l
}

func TestContinueRequiresSession(t *testing.T) {
	l := newTestLauncher(nil)
	_, err := l.Continue("true", "", t.TempDir(), "prompt", "")
	require.Error(t, err)
	assert.Equal(t, "Session not registered or has expired", err.Error())
}

func TestContinueMissingProjectDir(t *testing.T) {
	l := newTestLauncher(nil)

	_, err := l.Continue("true", "sess-1", "", "prompt", "")
	assert.EqualError(t, err, "Missing project_dir")

	_, err = l.Continue("true", "sess-1", "/no/such/dir", "prompt", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Project directory not found")
}

func TestContinueFastCompletion(t *testing.T) {
	l := newTestLauncher(nil)

	// "echo" ignores the -p/--resume flags and exits immediately.
	result, err := l.Continue("echo ran", "sess-1", t.TempDir(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Contains(t, result.Output, "ran")
}

func TestContinueStartupFailure(t *testing.T) {
	l := newTestLauncher(nil)

	_, err := l.Continue("definitely-not-a-real-binary-xyz", "sess-1", t.TempDir(), "prompt", "")
	require.Error(t, err)
}

func TestStartBackgroundsLongProcess(t *testing.T) {
	l := newTestLauncher(nil)

	result, err := l.Start("sleep 2 #", t.TempDir(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, result.Status)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", result.SessionID)
}

func TestBackgroundFailureNotifiesChat(t *testing.T) {
	notifier := newRecordingNotifier()
	l := newTestLauncher(notifier)

	// Outlives the startup window, then fails with output on stderr.
	script := "sleep 1; echo boom >&2; exit 3 #"
	result, err := l.Start(script, t.TempDir(), "prompt", "oc_chat1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, result.Status)

	select {
	case <-notifier.notified:
	case <-time.After(5 * time.Second):
		t.Fatal("no failure notification received")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, "oc_chat1", notifier.chatID)
	assert.Contains(t, notifier.message, "boom")
	assert.Contains(t, notifier.message, "Claude 执行异常")
}
