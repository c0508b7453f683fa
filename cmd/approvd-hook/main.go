// ABOUTME: Hook-side CLI that blocks a tool call on a remote decision
// ABOUTME: Registers stdin input over the unix socket and prints the verdict

package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/approvd/approvd/internal/config"
	"github.com/approvd/approvd/internal/wire"
)

const (
	defaultSocketPath = "/tmp/claude-permission.sock"
	defaultTimeout    = 300 * time.Second
	defaultBuffer     = 30 * time.Second
)

// fallback is the stdout payload when the socket flow cannot complete. The
// agent hook sees fallback_to_terminal and falls back to its own prompt.
type fallback struct {
	Success            bool   `json:"success"`
	FallbackToTerminal bool   `json:"fallback_to_terminal"`
	Error              string `json:"error"`
	Message            string `json:"message,omitempty"`
}

func main() {
	_ = godotenv.Load()

	socketPath, timeout := loadSettings()

	rawInput, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitFallback("stdin_read_failed", fmt.Sprintf("reading hook input: %v", err))
	}

	conn, err := dial(socketPath)
	if err != nil {
		var code string
		switch {
		case errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT):
			code = "socket_not_found"
		case errors.Is(err, syscall.ECONNREFUSED):
			code = "connection_refused"
		default:
			code = "connection_failed"
		}
		exitFallback(code, fmt.Sprintf("connecting to %s: %v", socketPath, err))
	}
	defer conn.Close()

	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	envelope := wire.Envelope{
		RequestID:       uuid.NewString(),
		HookPID:         os.Getpid(),
		RawInputEncoded: base64.StdEncoding.EncodeToString(rawInput),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		exitFallback("encode_failed", fmt.Sprintf("encoding registration: %v", err))
	}
	if _, err := conn.Write(data); err != nil {
		exitFallback("connection_failed", fmt.Sprintf("sending registration: %v", err))
	}

	if err := readAck(conn); err != nil {
		exitFallback(failureCode(err, "ack_read_failed"), fmt.Sprintf("reading ack: %v", err))
	}

	// Block here until a decision arrives or the server declares a fallback.
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		code := failureCode(err, "length_read_failed")
		if strings.Contains(err.Error(), "payload") {
			code = "incomplete_response"
		}
		exitFallback(code, fmt.Sprintf("reading decision: %v", err))
	}

	os.Stdout.Write(payload)
	fmt.Println()
}

// loadSettings resolves the socket path and total client timeout. The config
// file is optional for the hook; env and defaults cover the rest.
func loadSettings() (string, time.Duration) {
	socketPath := defaultSocketPath
	timeout := defaultTimeout
	buffer := defaultBuffer

	if cfg, err := config.Load(configPath()); err == nil {
		if cfg.Backend.SocketPath != "" {
			socketPath = cfg.Backend.SocketPath
		}
		timeout = cfg.Backend.RequestTimeout
		buffer = cfg.Backend.ClientTimeoutBuffer
	}
	if envPath := os.Getenv("APPROVD_SOCKET"); envPath != "" {
		socketPath = envPath
	}

	// A zero server timeout means wait forever; the client follows suit.
	if timeout <= 0 {
		return socketPath, 0
	}
	return socketPath, timeout + buffer
}

func configPath() string {
	if envPath := os.Getenv("APPROVD_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "approvd", "config.yaml")
}

func dial(path string) (net.Conn, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return net.Dial("unix", path)
}

// readAck accumulates bytes until they parse as the registration ack.
func readAck(conn net.Conn) error {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var ack wire.Ack
			if jsonErr := json.Unmarshal(buf, &ack); jsonErr == nil {
				if !ack.Success {
					return fmt.Errorf("registration rejected: %s", ack.Message)
				}
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

// failureCode maps timeouts onto their own code so the hook script can tell
// "user never decided" apart from transport errors.
func failureCode(err error, fallbackCode string) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "client_timeout"
	}
	return fallbackCode
}

func exitFallback(code, message string) {
	payload, err := json.Marshal(fallback{
		Success:            false,
		FallbackToTerminal: true,
		Error:              code,
		Message:            message,
	})
	if err == nil {
		fmt.Println(string(payload))
	}
	os.Exit(1)
}
