// ABOUTME: Wire protocol for the hook-facing Unix socket
// ABOUTME: Register payloads, acks, and length-prefixed decision frames

package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds decision frames read from the socket.
const MaxFrameSize = 10 << 20 // 10 MiB

// ErrFrameTooLarge indicates a frame length prefix beyond MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Decision behaviors delivered to the hook.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Envelope is the first JSON object a client sends on the socket. A probe
// carries only Type "ping"; a registration carries the remaining fields.
type Envelope struct {
	Type            string `json:"type,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	HookPID         int    `json:"hook_pid,omitempty"`
	RawInputEncoded string `json:"raw_input_encoded,omitempty"`
}

// IsPing reports whether the envelope is a liveness probe.
func (e *Envelope) IsPing() bool {
	return e.Type == "ping"
}

// Pong is the reply to a ping probe.
type Pong struct {
	Type string `json:"type"`
}

// NewPong returns the pong reply.
func NewPong() Pong {
	return Pong{Type: "pong"}
}

// HookInput is the decoded raw_input_encoded payload describing the tool call
// the hook is asking about.
type HookInput struct {
	SessionID  string         `json:"session_id"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ProjectDir string         `json:"project_dir"`
}

// DecodeHookInput decodes the base64 JSON payload carried by a registration.
func DecodeHookInput(encoded string) (*HookInput, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding raw input: %w", err)
	}

	var input HookInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("parsing raw input: %w", err)
	}
	return &input, nil
}

// Ack is the un-prefixed JSON object written right after a successful
// registration.
type Ack struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// Decision is the user's verdict on a pending request.
type Decision struct {
	Behavior  string `json:"behavior"`
	Message   string `json:"message,omitempty"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// Allow returns an allow decision.
func Allow() Decision {
	return Decision{Behavior: BehaviorAllow}
}

// Deny returns a deny decision with an optional interrupt flag.
func Deny(message string, interrupt bool) Decision {
	return Decision{Behavior: BehaviorDeny, Message: message, Interrupt: interrupt}
}

// DecisionResult is the framed payload delivered once a decision exists.
type DecisionResult struct {
	Success    bool           `json:"success"`
	Decision   Decision       `json:"decision"`
	SessionID  string         `json:"session_id"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ProjectDir string         `json:"project_dir"`
}

// FallbackResult is the framed payload written when the server gives up on a
// pending request and tells the hook to fall back to terminal interaction.
type FallbackResult struct {
	Success            bool   `json:"success"`
	FallbackToTerminal bool   `json:"fallback_to_terminal"`
	Error              string `json:"error"`
	SessionID          string `json:"session_id"`
	Message            string `json:"message"`
}

// ServerTimeoutFallback builds the fallback payload for a request the server
// timed out.
func ServerTimeoutFallback(sessionID, message string) FallbackResult {
	return FallbackResult{
		Success:            false,
		FallbackToTerminal: true,
		Error:              "server_timeout",
		SessionID:          sessionID,
		Message:            message,
	}
}

// EncodeFrame marshals v and prepends a 4-byte big-endian length.
func EncodeFrame(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame payload: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// WriteFrame encodes v and writes the complete frame to w.
func WriteFrame(w io.Writer, v any) error {
	frame, err := EncodeFrame(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}
