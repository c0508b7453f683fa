// ABOUTME: Tests for the gateway server: registration, sends, and webhooks
// ABOUTME: Uses a fake IM client and an httptest backend double

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approvd/approvd/internal/feishu"
	"github.com/approvd/approvd/internal/store"
)

type sentMessage struct {
	Kind      string // text, card, reply_text, reply_card
	ReceiveID string
	MessageID string
	Text      string
	Card      any
}

type fakeIM struct {
	mu     sync.Mutex
	sent   []sentMessage
	nextID int
}

func (f *fakeIM) record(m sentMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, m)
	return fmt.Sprintf("om_sent_%d", f.nextID), nil
}

func (f *fakeIM) Enabled() bool { return true }

func (f *fakeIM) SendText(_ context.Context, receiveID, _, text string) (string, error) {
	return f.record(sentMessage{Kind: "text", ReceiveID: receiveID, Text: text})
}

func (f *fakeIM) SendCard(_ context.Context, receiveID, _ string, card any) (string, error) {
	return f.record(sentMessage{Kind: "card", ReceiveID: receiveID, Card: card})
}

func (f *fakeIM) ReplyText(_ context.Context, messageID, text string) (string, error) {
	return f.record(sentMessage{Kind: "reply_text", MessageID: messageID, Text: text})
}

func (f *fakeIM) ReplyCard(_ context.Context, messageID string, card any) (string, error) {
	return f.record(sentMessage{Kind: "reply_card", MessageID: messageID, Card: card})
}

func (f *fakeIM) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeIM) lastOfKind(kind string) (sentMessage, bool) {
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == kind {
			return msgs[i], true
		}
	}
	return sentMessage{}, false
}

type gatewayFixture struct {
	server   *Server
	http     *httptest.Server
	im       *fakeIM
	bindings *store.BindingStore
	sessions *store.MessageSessionStore
}

func newGatewayFixture(t *testing.T, backendURL string) *gatewayFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bindings, err := store.NewBindingStore(t.TempDir(), logger)
	require.NoError(t, err)
	sessions, err := store.NewMessageSessionStore(t.TempDir(), logger)
	require.NoError(t, err)

	im := &fakeIM{}
	srv := NewServer(bindings, sessions, im, Options{
		TokenSecret:       "test-secret",
		VerificationToken: "verif-token",
		BackendURL:        backendURL,
		AgentCommands:     []string{"claude"},
	}, logger)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &gatewayFixture{server: srv, http: ts, im: im, bindings: bindings, sessions: sessions}
}

func (f *gatewayFixture) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return resp, decoded
}

func (f *gatewayFixture) seedBinding(t *testing.T, ownerID, callbackURL, token string) {
	t.Helper()
	require.NoError(t, f.bindings.Upsert(ownerID, store.Binding{
		CallbackURL: callbackURL,
		AuthToken:   token,
	}))
}

// backendDouble fakes a callback backend, recording request bodies per path.
type backendDouble struct {
	mu        sync.Mutex
	requests  map[string][]map[string]any
	responses map[string]func(w http.ResponseWriter)
	server    *httptest.Server
}

func newBackendDouble(t *testing.T) *backendDouble {
	t.Helper()
	d := &backendDouble{
		requests:  make(map[string][]map[string]any),
		responses: make(map[string]func(w http.ResponseWriter)),
	}
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)

		d.mu.Lock()
		d.requests[r.URL.Path] = append(d.requests[r.URL.Path], body)
		respond := d.responses[r.URL.Path]
		d.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if respond == nil {
			fmt.Fprint(w, `{"success":true}`)
			return
		}
		respond(w)
	}))
	t.Cleanup(d.server.Close)
	return d
}

func (d *backendDouble) respond(path string, status int, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses[path] = func(w http.ResponseWriter) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}
}

func (d *backendDouble) received(path string) []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]map[string]any(nil), d.requests[path]...)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 3*time.Second, 20*time.Millisecond, msg)
}

func TestRegisterMissingFields(t *testing.T) {
	f := newGatewayFixture(t, "")
	resp, body := f.post(t, "/gw/register", map[string]any{"owner_id": "ou_1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing required fields: callback_url, owner_id", body["error"])
}

func TestRegisterUnknownOwnerSendsAuthorizationCard(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/check-owner", http.StatusOK, `{"success":true,"is_owner":true}`)

	f := newGatewayFixture(t, backend.server.URL)
	resp, body := f.post(t, "/gw/register", map[string]any{
		"callback_url": backend.server.URL,
		"owner_id":     "ou_owner",
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Registration request received, processing in background", body["message"])

	eventually(t, func() bool {
		_, ok := f.im.lastOfKind("card")
		return ok
	}, "authorization card not sent")

	card, _ := f.im.lastOfKind("card")
	assert.Equal(t, "ou_owner", card.ReceiveID)
	assert.Equal(t, "新的 Callback 后端注册请求", card.Card.(feishu.Card).Header.Title.Content)
	assert.NotEmpty(t, backend.received("/cb/check-owner"))
}

func TestRegisterSpoofedOwnerDropped(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/check-owner", http.StatusOK, `{"success":true,"is_owner":false}`)

	f := newGatewayFixture(t, backend.server.URL)
	f.post(t, "/gw/register", map[string]any{
		"callback_url": backend.server.URL,
		"owner_id":     "ou_spoofed",
	}, nil)

	eventually(t, func() bool {
		return len(backend.received("/cb/check-owner")) > 0
	}, "owner check not performed")
	assert.Empty(t, f.im.messages())
}

func TestRegisterSameURLRefreshesSilently(t *testing.T) {
	backend := newBackendDouble(t)
	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_owner", backend.server.URL, "old-token")

	f.post(t, "/gw/register", map[string]any{
		"callback_url": backend.server.URL,
		"owner_id":     "ou_owner",
	}, nil)

	eventually(t, func() bool {
		binding, err := f.bindings.Get("ou_owner")
		return err == nil && binding.AuthToken != "old-token"
	}, "token not refreshed")

	assert.Empty(t, f.im.messages())

	notifications := backend.received("/cb/register")
	require.NotEmpty(t, notifications)
	assert.Equal(t, "ou_owner", notifications[0]["owner_id"])
	assert.NotEmpty(t, notifications[0]["auth_token"])
	assert.Equal(t, "1.0.0", notifications[0]["gateway_version"])
}

func TestRegisterDeviceChangeNeedsApproval(t *testing.T) {
	backend := newBackendDouble(t)
	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_owner", "http://old-host:8080", "old-token")

	f.post(t, "/gw/register", map[string]any{
		"callback_url": backend.server.URL,
		"owner_id":     "ou_owner",
	}, nil)

	eventually(t, func() bool {
		_, ok := f.im.lastOfKind("card")
		return ok
	}, "device change card not sent")

	card, _ := f.im.lastOfKind("card")
	assert.Equal(t, "Callback 后端更换设备请求", card.Card.(feishu.Card).Header.Title.Content)

	// Binding must stay untouched until the owner approves.
	binding, err := f.bindings.Get("ou_owner")
	require.NoError(t, err)
	assert.Equal(t, "old-token", binding.AuthToken)
}

func TestSendAuthChecks(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.seedBinding(t, "ou_owner", "http://backend", "good-token")

	resp, body := f.post(t, "/gw/feishu/send", map[string]any{"msg_type": "text", "content": "hi"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing owner_id", body["error"])

	resp, body = f.post(t, "/gw/feishu/send", map[string]any{
		"owner_id": "ou_owner", "msg_type": "text", "content": "hi",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Missing X-Auth-Token", body["error"])

	resp, body = f.post(t, "/gw/feishu/send", map[string]any{
		"owner_id": "ou_owner", "msg_type": "text", "content": "hi",
	}, map[string]string{"X-Auth-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid auth_token", body["error"])
}

func TestSendTextToChat(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.seedBinding(t, "ou_owner", "http://backend", "good-token")

	resp, body := f.post(t, "/gw/feishu/send", map[string]any{
		"owner_id": "ou_owner",
		"msg_type": "text",
		"content":  "hello there",
		"chat_id":  "oc_chat",
	}, map[string]string{"X-Auth-Token": "good-token"})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["message_id"])

	msg, ok := f.im.lastOfKind("text")
	require.True(t, ok)
	assert.Equal(t, "oc_chat", msg.ReceiveID)
	assert.Equal(t, "hello there", msg.Text)
}

func TestSendValidation(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.seedBinding(t, "ou_owner", "http://backend", "good-token")
	headers := map[string]string{"X-Auth-Token": "good-token"}

	resp, body := f.post(t, "/gw/feishu/send", map[string]any{"owner_id": "ou_owner", "content": "x"}, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing msg_type", body["error"])

	resp, body = f.post(t, "/gw/feishu/send", map[string]any{"owner_id": "ou_owner", "msg_type": "text"}, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing text content", body["error"])

	resp, body = f.post(t, "/gw/feishu/send", map[string]any{"owner_id": "ou_owner", "msg_type": "interactive"}, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing card content", body["error"])

	resp, body = f.post(t, "/gw/feishu/send", map[string]any{"owner_id": "ou_owner", "msg_type": "sticker", "content": "x"}, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Unsupported msg_type: sticker", body["error"])
}

func TestSendSavesMessageSessionMapping(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.seedBinding(t, "ou_owner", "http://backend", "good-token")

	_, body := f.post(t, "/gw/feishu/send", map[string]any{
		"owner_id":     "ou_owner",
		"msg_type":     "text",
		"content":      "session created",
		"chat_id":      "oc_chat",
		"session_id":   "sess-42",
		"project_dir":  "/home/user/project",
		"callback_url": "http://backend",
	}, map[string]string{"X-Auth-Token": "good-token"})

	messageID, _ := body["message_id"].(string)
	require.NotEmpty(t, messageID)

	mapping, err := f.sessions.Get(messageID)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", mapping.SessionID)
	assert.Equal(t, "/home/user/project", mapping.ProjectDir)
	assert.Equal(t, "http://backend", mapping.CallbackURL)
}

func TestSendRepliesInThread(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/session/get-last-message-id", http.StatusOK, `{"last_message_id":"om_anchor"}`)

	f := newGatewayFixture(t, backend.server.URL)
	require.NoError(t, f.bindings.Upsert("ou_owner", store.Binding{
		CallbackURL:   backend.server.URL,
		AuthToken:     "good-token",
		ReplyInThread: true,
	}))

	resp, _ := f.post(t, "/gw/feishu/send", map[string]any{
		"owner_id":     "ou_owner",
		"msg_type":     "text",
		"content":      "threaded update",
		"chat_id":      "oc_chat",
		"session_id":   "sess-42",
		"project_dir":  "/p",
		"callback_url": backend.server.URL,
	}, map[string]string{"X-Auth-Token": "good-token"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	msg, ok := f.im.lastOfKind("reply_text")
	require.True(t, ok)
	assert.Equal(t, "om_anchor", msg.MessageID)
	assert.Equal(t, "threaded update", msg.Text)

	eventually(t, func() bool {
		return len(backend.received("/cb/session/set-last-message-id")) > 0
	}, "thread anchor not advanced")
}

func TestWebhookURLVerification(t *testing.T) {
	f := newGatewayFixture(t, "")
	resp, body := f.post(t, "/", map[string]any{
		"type":      "url_verification",
		"challenge": "abc123",
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc123", body["challenge"])
}

func TestWebhookInvalidToken(t *testing.T) {
	f := newGatewayFixture(t, "")
	resp, body := f.post(t, "/", map[string]any{
		"header": map[string]any{"event_type": feishu.EventTypeMessageReceive, "token": "wrong"},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid verification token", body["error"])
}

func TestWebhookUnknownType(t *testing.T) {
	f := newGatewayFixture(t, "")
	resp, body := f.post(t, "/", map[string]any{
		"header": map[string]any{"event_type": "something.else", "token": "verif-token"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Unknown request type", body["error"])
}

func messageEvent(text, chatID, messageID, parentID, senderOpenID string) map[string]any {
	content, _ := json.Marshal(map[string]string{"text": text})
	return map[string]any{
		"header": map[string]any{"event_type": feishu.EventTypeMessageReceive, "token": "verif-token"},
		"event": map[string]any{
			"sender": map[string]any{"sender_id": map[string]any{"open_id": senderOpenID}},
			"message": map[string]any{
				"message_id":   messageID,
				"parent_id":    parentID,
				"chat_id":      chatID,
				"chat_type":    "p2p",
				"message_type": "text",
				"content":      string(content),
			},
		},
	}
}

func cardActionEvent(operatorOpenID string, value map[string]any, name string, formValue map[string]any) map[string]any {
	return map[string]any{
		"header": map[string]any{"event_type": feishu.EventTypeCardAction, "token": "verif-token"},
		"event": map[string]any{
			"operator": map[string]any{"open_id": operatorOpenID},
			"action": map[string]any{
				"name":       name,
				"value":      value,
				"form_value": formValue,
			},
		},
	}
}

func TestUnknownCommandHelp(t *testing.T) {
	f := newGatewayFixture(t, "")
	resp, _ := f.post(t, "/", messageEvent("/help", "oc_chat", "om_1", "", "ou_user"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	eventually(t, func() bool {
		msg, ok := f.im.lastOfKind("reply_text")
		return ok && msg.MessageID == "om_1"
	}, "help reply not sent")
	msg, _ := f.im.lastOfKind("reply_text")
	assert.Contains(t, msg.Text, "未知指令：`/help`")
	assert.Contains(t, msg.Text, "/new")
	assert.Contains(t, msg.Text, "/reply")
}

func TestNewCommandForwardsAndMapsSession(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/claude/new", http.StatusOK, `{"status":"processing","session_id":"abcdef12-3456"}`)

	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_user", backend.server.URL, "tok")

	f.post(t, "/", messageEvent("/new --dir=/home/user/proj fix the bug", "oc_chat", "om_cmd", "", "ou_user"), nil)

	eventually(t, func() bool {
		_, ok := f.im.lastOfKind("reply_text")
		return ok
	}, "creation notice not sent")

	msg, _ := f.im.lastOfKind("reply_text")
	assert.Contains(t, msg.Text, "🆕 Claude 会话已创建")
	assert.Contains(t, msg.Text, "/home/user/proj")
	assert.Contains(t, msg.Text, "abcdef12")

	launches := backend.received("/cb/claude/new")
	require.Len(t, launches, 1)
	assert.Equal(t, "/home/user/proj", launches[0]["project_dir"])
	assert.Equal(t, "fix the bug", launches[0]["prompt"])
	assert.Equal(t, "oc_chat", launches[0]["chat_id"])

	// Replies to the notice continue the session.
	mapping, err := f.sessions.Get("om_sent_1")
	require.NoError(t, err)
	assert.Equal(t, "abcdef12-3456", mapping.SessionID)
}

func TestNewCommandWithoutArgsSendsForm(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/claude/recent-dirs", http.StatusOK, `{"dirs":["/home/user/a","/home/user/b"]}`)

	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_user", backend.server.URL, "tok")

	f.post(t, "/", messageEvent("/new", "oc_chat", "om_cmd", "", "ou_user"), nil)

	eventually(t, func() bool {
		_, ok := f.im.lastOfKind("reply_card")
		return ok
	}, "form card not sent")
	msg, _ := f.im.lastOfKind("reply_card")
	assert.Equal(t, "🧠 完善信息以创建会话", msg.Card.(feishu.Card).Header.Title.Content)
}

func TestNewCommandUnregistered(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.post(t, "/", messageEvent("/new --dir=/p task", "oc_chat", "om_cmd", "", "ou_stranger"), nil)

	eventually(t, func() bool {
		msg, ok := f.im.lastOfKind("reply_text")
		return ok && msg.Text == "您尚未注册，无法使用此功能"
	}, "registration hint not sent")
}

func TestReplyCommandRequiresThread(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.post(t, "/", messageEvent("/reply keep going", "oc_chat", "om_cmd", "", "ou_user"), nil)

	eventually(t, func() bool {
		msg, ok := f.im.lastOfKind("reply_text")
		return ok && msg.Text == "`/reply` 指令仅支持在回复消息时使用"
	}, "thread-only hint not sent")
}

func TestReplyCommandRejectsDirFlag(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.post(t, "/", messageEvent("/reply --dir=/p go on", "oc_chat", "om_cmd", "om_parent", "ou_user"), nil)

	eventually(t, func() bool {
		msg, ok := f.im.lastOfKind("reply_text")
		return ok && msg.Text == "`/reply` 不支持 `--dir` 参数，会话目录由原始 session 决定。请去掉 `--dir` 后重试"
	}, "dir rejection not sent")
}

func TestPlainReplyContinuesSession(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/claude/continue", http.StatusOK, `{"status":"completed","output":"all done"}`)

	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_user", backend.server.URL, "tok")
	require.NoError(t, f.sessions.Save("om_parent", "sess-7", "/proj", backend.server.URL))

	f.post(t, "/", messageEvent("please continue", "oc_chat", "om_reply", "om_parent", "ou_user"), nil)

	eventually(t, func() bool {
		msg, ok := f.im.lastOfKind("reply_text")
		return ok && msg.Text == "✅ Claude 已完成: all done"
	}, "completion notice not sent")

	continues := backend.received("/cb/claude/continue")
	require.Len(t, continues, 1)
	assert.Equal(t, "sess-7", continues[0]["session_id"])
	assert.Equal(t, "/proj", continues[0]["project_dir"])
	assert.Equal(t, "please continue", continues[0]["prompt"])
	assert.Equal(t, "om_reply", continues[0]["reply_message_id"])
}

func TestPlainReplyExpiredSession(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.post(t, "/", messageEvent("please continue", "oc_chat", "om_reply", "om_gone", "ou_user"), nil)

	eventually(t, func() bool {
		msg, ok := f.im.lastOfKind("reply_text")
		return ok && msg.Text == sessionExpiredText
	}, "expiry notice not sent")
}

func TestCardActionWrongOperator(t *testing.T) {
	f := newGatewayFixture(t, "")
	resp, body := f.post(t, "/", cardActionEvent("ou_other", map[string]any{
		"owner_id": "ou_owner", "action": "allow", "request_id": "r1", "callback_url": "http://b",
	}, "", nil), nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	toast := body["toast"].(map[string]any)
	assert.Equal(t, "error", toast["type"])
	assert.Equal(t, "只有本人才能执行此操作", toast["content"])
}

func TestCardActionDecisionAllow(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/decision", http.StatusOK, `{"success":true,"decision":"allow","message":"已批准运行"}`)

	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_owner", backend.server.URL, "tok")

	resp, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner", "action": "allow", "request_id": "req-1", "callback_url": backend.server.URL,
	}, "", nil), nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	toast := body["toast"].(map[string]any)
	assert.Equal(t, "success", toast["type"])
	assert.Equal(t, "已批准运行", toast["content"])

	decisions := backend.received("/cb/decision")
	require.Len(t, decisions, 1)
	assert.Equal(t, "allow", decisions[0]["action"])
	assert.Equal(t, "req-1", decisions[0]["request_id"])
}

func TestCardActionDecisionDenyToastsWarning(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/decision", http.StatusOK, `{"success":true,"decision":"deny","message":"已拒绝运行"}`)

	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_owner", backend.server.URL, "tok")

	_, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner", "action": "deny", "request_id": "req-1", "callback_url": backend.server.URL,
	}, "", nil), nil)

	toast := body["toast"].(map[string]any)
	assert.Equal(t, "warning", toast["type"])
	assert.Equal(t, "已拒绝运行", toast["content"])
}

func TestCardActionDecisionUnauthorized(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/decision", http.StatusUnauthorized, `{"error":"Unauthorized"}`)

	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_owner", backend.server.URL, "tok")

	_, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner", "action": "allow", "request_id": "req-1", "callback_url": backend.server.URL,
	}, "", nil), nil)

	toast := body["toast"].(map[string]any)
	assert.Equal(t, "身份验证失败，请重新注册网关", toast["content"])
}

func TestCardActionDecisionMissingFields(t *testing.T) {
	f := newGatewayFixture(t, "")
	_, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner", "action": "allow",
	}, "", nil), nil)

	toast := body["toast"].(map[string]any)
	assert.Equal(t, "无效的回调请求", toast["content"])
}

func TestApproveRegisterAction(t *testing.T) {
	backend := newBackendDouble(t)
	f := newGatewayFixture(t, backend.server.URL)

	resp, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"action":       actionApproveRegister,
		"callback_url": backend.server.URL,
		"owner_id":     "ou_owner",
		"request_ip":   "10.0.0.9",
	}, "", nil), nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	toast := body["toast"].(map[string]any)
	assert.Equal(t, "success", toast["type"])
	assert.Equal(t, "已授权绑定", toast["content"])

	card := body["card"].(map[string]any)
	assert.Equal(t, "raw", card["type"])

	binding, err := f.bindings.Get("ou_owner")
	require.NoError(t, err)
	assert.Equal(t, backend.server.URL, binding.CallbackURL)
	assert.NotEmpty(t, binding.AuthToken)
	assert.Equal(t, "10.0.0.9", binding.RegisteredIP)

	eventually(t, func() bool {
		return len(backend.received("/cb/register")) > 0
	}, "token not delivered to backend")
}

func TestDenyRegisterActionSeversBinding(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.seedBinding(t, "ou_owner", "http://backend", "tok")

	_, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"action":       actionDenyRegister,
		"callback_url": "http://backend",
		"owner_id":     "ou_owner",
	}, "", nil), nil)

	toast := body["toast"].(map[string]any)
	assert.Equal(t, "success", toast["type"])
	assert.Equal(t, "已拒绝并解除绑定", toast["content"])

	_, err := f.bindings.Get("ou_owner")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDenyRegisterActionWithoutBinding(t *testing.T) {
	f := newGatewayFixture(t, "")
	_, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"action":       actionDenyRegister,
		"callback_url": "http://backend",
		"owner_id":     "ou_owner",
	}, "", nil), nil)

	toast := body["toast"].(map[string]any)
	assert.Equal(t, "info", toast["type"])
	assert.Equal(t, "已拒绝注册请求", toast["content"])
}

func TestUnbindRegisterAction(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.seedBinding(t, "ou_owner", "http://backend", "tok")

	_, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"action":       actionUnbindRegister,
		"callback_url": "http://backend",
		"owner_id":     "ou_owner",
	}, "", nil), nil)

	toast := body["toast"].(map[string]any)
	assert.Equal(t, "已解绑", toast["content"])

	_, err := f.bindings.Get("ou_owner")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFormSubmitLaunchesSession(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/claude/new", http.StatusOK, `{"status":"processing","session_id":"sess-9"}`)

	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_owner", backend.server.URL, "tok")

	resp, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner", "chat_id": "oc_chat", "message_id": "om_form",
	}, submitButton, map[string]any{
		"custom_dir": "/home/user/proj",
		"prompt":     "do the thing",
	}), nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	toast := body["toast"].(map[string]any)
	assert.Equal(t, "info", toast["type"])
	assert.Equal(t, "正在创建会话...", toast["content"])
	require.NotNil(t, body["card"])

	eventually(t, func() bool {
		return len(backend.received("/cb/claude/new")) > 0
	}, "session launch not forwarded")
	launches := backend.received("/cb/claude/new")
	assert.Equal(t, "/home/user/proj", launches[0]["project_dir"])
	assert.Equal(t, "do the thing", launches[0]["prompt"])
}

func TestFormSubmitValidation(t *testing.T) {
	f := newGatewayFixture(t, "")

	_, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner",
	}, submitButton, nil), nil)
	toast := body["toast"].(map[string]any)
	assert.Equal(t, "无法获取群聊信息", toast["content"])

	_, body = f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner", "chat_id": "oc_chat",
	}, submitButton, map[string]any{}), nil)
	toast = body["toast"].(map[string]any)
	assert.Equal(t, "请选择或输入一个工作目录", toast["content"])

	_, body = f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner", "chat_id": "oc_chat",
	}, submitButton, map[string]any{"custom_dir": "/p"}), nil)
	toast = body["toast"].(map[string]any)
	assert.Equal(t, "请输入您的问题", toast["content"])
}

func TestBrowseButtonRebuildsCard(t *testing.T) {
	backend := newBackendDouble(t)
	backend.respond("/cb/claude/browse-dirs", http.StatusOK, `{"dirs":["/home/user/proj/a","/home/user/proj/b"],"parent":"/home/user","current":"/home/user/proj"}`)
	backend.respond("/cb/claude/recent-dirs", http.StatusOK, `{"dirs":["/home/user/proj"]}`)

	f := newGatewayFixture(t, backend.server.URL)
	f.seedBinding(t, "ou_owner", backend.server.URL, "tok")

	resp, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner", "chat_id": "oc_chat", "message_id": "om_form",
	}, browseCustomBtn, map[string]any{
		"custom_dir": "/home/user/proj",
	}), nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body["card"])
	assert.Nil(t, body["toast"])

	browses := backend.received("/cb/claude/browse-dirs")
	require.Len(t, browses, 1)
	assert.Equal(t, "/home/user/proj", browses[0]["path"])
}

func TestBrowseButtonNeedsSelection(t *testing.T) {
	f := newGatewayFixture(t, "")
	_, body := f.post(t, "/", cardActionEvent("ou_owner", map[string]any{
		"owner_id": "ou_owner", "chat_id": "oc_chat",
	}, browseSelectBtn, map[string]any{}), nil)

	toast := body["toast"].(map[string]any)
	assert.Equal(t, "请先从常用目录中选择一个目录", toast["content"])
}

func TestParseCommandArgs(t *testing.T) {
	parsed, err := parseCommandArgs("--dir=/home/p --cmd=1 fix the tests")
	require.NoError(t, err)
	assert.Equal(t, "/home/p", parsed.Dir)
	assert.Equal(t, "1", parsed.Cmd)
	assert.Equal(t, "fix the tests", parsed.Prompt)

	// Flags mid-prompt are treated as prose.
	parsed, err = parseCommandArgs("explain what --dir=/x means")
	require.NoError(t, err)
	assert.Empty(t, parsed.Dir)
	assert.Equal(t, "explain what --dir=/x means", parsed.Prompt)

	parsed, err = parseCommandArgs(`--dir="/home/with space" run it`)
	require.NoError(t, err)
	assert.Equal(t, "/home/with space", parsed.Dir)
	assert.Equal(t, "run it", parsed.Prompt)

	_, err = parseCommandArgs(`--dir="/unterminated run`)
	assert.Error(t, err)
}

func TestSplitCommand(t *testing.T) {
	name, args := splitCommand("/new --dir=/p hello")
	assert.Equal(t, "/new", name)
	assert.Equal(t, "--dir=/p hello", args)

	name, args = splitCommand("/new")
	assert.Equal(t, "/new", name)
	assert.Empty(t, args)
}
