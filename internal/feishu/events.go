// ABOUTME: Feishu webhook event envelopes and card action responses
// ABOUTME: Covers url_verification, message receive, and card.action.trigger

package feishu

import "encoding/json"

// Event types the webhook dispatches on.
const (
	EventTypeMessageReceive = "im.message.receive_v1"
	EventTypeCardAction     = "card.action.trigger"
)

// Toast types for card action responses.
const (
	ToastSuccess = "success"
	ToastInfo    = "info"
	ToastWarning = "warning"
	ToastError   = "error"
)

// EventEnvelope is the outer shape of every Feishu webhook POST (schema 2.0),
// plus the legacy url_verification shape.
type EventEnvelope struct {
	Type      string      `json:"type,omitempty"`      // "url_verification"
	Challenge string      `json:"challenge,omitempty"` // echoed back during setup
	Token     string      `json:"token,omitempty"`     // legacy top-level verification token
	Header    EventHeader `json:"header,omitempty"`
	Event     Event       `json:"event,omitempty"`
}

// EventHeader identifies the event and carries the verification token.
type EventHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Token     string `json:"token"`
}

// Event is the payload union for the event types we handle.
type Event struct {
	Sender   Sender  `json:"sender,omitempty"`
	Message  Message `json:"message,omitempty"`
	Operator IDSet   `json:"operator,omitempty"`
	Action   Action  `json:"action,omitempty"`
}

// Sender identifies who sent a message.
type Sender struct {
	SenderID IDSet `json:"sender_id"`
}

// IDSet holds the alternate IDs Feishu uses for one user. Matching code
// treats any populated field as a candidate.
type IDSet struct {
	OpenID  string `json:"open_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	UnionID string `json:"union_id,omitempty"`
}

// Values returns the non-empty IDs.
func (s IDSet) Values() []string {
	var out []string
	for _, v := range []string{s.OpenID, s.UserID, s.UnionID} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Contains reports whether id matches any of the set's values.
func (s IDSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	for _, v := range s.Values() {
		if v == id {
			return true
		}
	}
	return false
}

// Message is an inbound chat message.
type Message struct {
	MessageID   string `json:"message_id"`
	ParentID    string `json:"parent_id,omitempty"`
	ChatID      string `json:"chat_id"`
	ChatType    string `json:"chat_type"`    // p2p / group
	MessageType string `json:"message_type"` // text / post / ...
	Content     string `json:"content"`      // JSON-encoded string
}

// PlainText extracts the text content of a message. Text messages carry
// {"text": ...}; post messages carry paragraph arrays whose text elements are
// joined with newlines.
func (m Message) PlainText() string {
	var content struct {
		Text    string  `json:"text"`
		Content [][]struct {
			Tag  string `json:"tag"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(m.Content), &content); err != nil {
		return m.Content
	}
	if content.Text != "" || m.MessageType != "post" {
		return content.Text
	}

	var paragraphs []string
	for _, para := range content.Content {
		text := ""
		for _, elem := range para {
			if elem.Tag == "text" {
				text += elem.Text
			}
		}
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	out := ""
	for i, p := range paragraphs {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

// Action is a card interaction: a callback button click or a form submit.
type Action struct {
	Name      string   `json:"name,omitempty"` // triggering button name
	Value     RawValue `json:"value,omitempty"`
	FormValue RawValue `json:"form_value,omitempty"`
}

// RawValue is a loosely-typed JSON object with string-field accessors.
type RawValue map[string]any

// String returns the string value of key, or "".
func (v RawValue) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// Has reports whether key is present.
func (v RawValue) Has(key string) bool {
	_, ok := v[key]
	return ok
}

// Toast is the transient notification shown after a card action.
type Toast struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// CardUpdate replaces the card the action came from. Data holds a full
// schema-2.0 card object.
type CardUpdate struct {
	Type string `json:"type"` // always "raw"
	Data any    `json:"data"`
}

// ActionResponse is the body returned to a card.action.trigger callback.
type ActionResponse struct {
	Toast *Toast      `json:"toast,omitempty"`
	Card  *CardUpdate `json:"card,omitempty"`
}

// ToastResponse builds a toast-only action response.
func ToastResponse(toastType, content string) ActionResponse {
	return ActionResponse{Toast: &Toast{Type: toastType, Content: content}}
}

// RawCard wraps a card object for a card update response.
func RawCard(card any) *CardUpdate {
	return &CardUpdate{Type: "raw", Data: card}
}
