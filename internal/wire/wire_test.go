// ABOUTME: Tests for the Unix socket wire protocol
// ABOUTME: Covers frame round-trips, hook input decoding, and ping detection

package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	original := DecisionResult{
		Success:    true,
		Decision:   Allow(),
		SessionID:  "s1",
		ToolName:   "Bash",
		ToolInput:  map[string]any{"command": "ls"},
		ProjectDir: "/tmp",
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, original))

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)

	var decoded DecisionResult
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, original, decoded)
}

func TestFrameLengthPrefixIsBigEndian(t *testing.T) {
	frame, err := EncodeFrame(NewPong())
	require.NoError(t, err)

	length := binary.BigEndian.Uint32(frame[:4])
	assert.Equal(t, int(length), len(frame)-4)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameShortPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestDecodeHookInput(t *testing.T) {
	raw := `{"session_id":"s1","tool_name":"Bash","tool_input":{"command":"ls"},"project_dir":"/tmp"}`
	encoded := base64.StdEncoding.EncodeToString([]byte(raw))

	input, err := DecodeHookInput(encoded)
	require.NoError(t, err)
	assert.Equal(t, "s1", input.SessionID)
	assert.Equal(t, "Bash", input.ToolName)
	assert.Equal(t, "ls", input.ToolInput["command"])
	assert.Equal(t, "/tmp", input.ProjectDir)
}

func TestDecodeHookInputBadBase64(t *testing.T) {
	_, err := DecodeHookInput("not-base64!!!")
	assert.Error(t, err)
}

func TestDecodeHookInputBadJSON(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("{truncated"))
	_, err := DecodeHookInput(encoded)
	assert.Error(t, err)
}

func TestEnvelopePing(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"ping"}`), &env))
	assert.True(t, env.IsPing())

	require.NoError(t, json.Unmarshal([]byte(`{"request_id":"r1","hook_pid":123}`), &env))
	assert.False(t, env.IsPing())
	assert.Equal(t, "r1", env.RequestID)
	assert.Equal(t, 123, env.HookPID)
}

func TestServerTimeoutFallbackShape(t *testing.T) {
	fb := ServerTimeoutFallback("s1", "timed out")
	data, err := json.Marshal(fb)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, true, decoded["fallback_to_terminal"])
	assert.Equal(t, "server_timeout", decoded["error"])
	assert.Equal(t, "s1", decoded["session_id"])
}
