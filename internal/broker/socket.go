// ABOUTME: Unix socket listener accepting hook connections for the broker
// ABOUTME: Reads the registration envelope, answers pings, hands off sockets

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/approvd/approvd/internal/wire"
)

// readDeadline bounds how long a freshly-accepted connection may take to send
// its registration envelope.
const readDeadline = 5 * time.Second

// SocketServer accepts hook connections on a unix socket and registers each
// permission request with the broker. The broker owns every accepted
// connection after registration.
type SocketServer struct {
	path     string
	broker   *Broker
	logger   *slog.Logger
	listener net.Listener
}

// NewSocketServer creates a server for the given socket path.
func NewSocketServer(path string, b *Broker, logger *slog.Logger) *SocketServer {
	return &SocketServer{path: path, broker: b, logger: logger}
}

// Listen binds the unix socket, replacing any stale socket file from a
// previous run, and restricts it to the owning user.
func (s *SocketServer) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	s.listener = listener
	s.logger.Info("hook socket listening", "path", s.path)
	return nil
}

// Serve accepts connections until ctx is cancelled. Listen must have been
// called first.
func (s *SocketServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting hook connection: %w", err)
		}
		go s.handle(conn)
	}
}

// Close shuts the listener and removes the socket file.
func (s *SocketServer) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// handle reads one registration envelope and either answers a ping or hands
// the connection to the broker. Only failure paths close conn here.
func (s *SocketServer) handle(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(readDeadline))

	env, err := readEnvelope(conn)
	if err != nil {
		// Dropped or garbled connection before a full envelope arrived.
		if !errors.Is(err, io.EOF) {
			s.logger.Warn("failed to read hook envelope", "error", err)
		}
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if env.IsPing() {
		if data, err := encodeJSON(wire.NewPong()); err == nil {
			conn.Write(data)
		}
		conn.Close()
		return
	}

	input, err := wire.DecodeHookInput(env.RawInputEncoded)
	if err != nil {
		// Register anyway so the request can still be denied remotely.
		s.logger.Warn("undecodable hook input, registering with unknown session",
			"request_id", env.RequestID, "error", err)
		input = &wire.HookInput{SessionID: "unknown"}
	}

	if err := s.broker.Register(env.RequestID, conn, env.HookPID, input); err != nil {
		s.logger.Error("failed to register hook request",
			"request_id", env.RequestID, "error", err)
		conn.Close()
	}
}

// readEnvelope accumulates bytes until the buffer parses as a JSON envelope.
// Hooks send the envelope as a single un-prefixed JSON object.
func readEnvelope(conn net.Conn) (*wire.Envelope, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var env wire.Envelope
			if jsonErr := json.Unmarshal(buf, &env); jsonErr == nil {
				return &env, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
