// ABOUTME: Rendezvous between blocked hook sockets and out-of-band decisions
// ABOUTME: Serialized state machine with timeout fallback and dead-peer sweeps

package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/approvd/approvd/internal/wire"
)

// Resolve and lookup errors, mapped to user-visible messages by callers.
var (
	ErrNotFound        = errors.New("request not found")
	ErrAlreadyResolved = errors.New("request already resolved")
	ErrDisconnected    = errors.New("request disconnected")
)

// Status is a pending request's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusResolved     Status = "resolved"
	StatusDisconnected Status = "disconnected"
)

const (
	// sweepInterval is how often pending sockets are probed and timeouts
	// enforced.
	sweepInterval = 5 * time.Second

	// purgeDelay keeps terminal requests visible briefly so duplicate actions
	// get a precise refusal instead of "not found".
	purgeDelay = 60 * time.Second

	// expiryInterval drives the slow sweep that drops anything older than
	// maxRequestAge regardless of state.
	expiryInterval = time.Hour
	maxRequestAge  = time.Hour
)

// request is the broker's record of one blocked hook.
type request struct {
	id         string
	conn       net.Conn
	hookPID    int
	sessionID  string
	toolName   string
	toolInput  map[string]any
	projectDir string
	createdAt  time.Time
	status     Status
	settledAt  time.Time
}

// Data is a read-only snapshot of a pending request, handed to renderers and
// the decision core.
type Data struct {
	ID         string
	HookPID    int
	SessionID  string
	ToolName   string
	ToolInput  map[string]any
	ProjectDir string
	CreatedAt  time.Time
}

// Stats summarizes broker state for the status endpoint.
type Stats struct {
	Pending  int               `json:"pending_requests"`
	Requests map[string]string `json:"requests"`
}

// Broker holds pending permission requests until exactly one decision frame
// is delivered on each hook socket. All transitions are serialized under one
// mutex; the frame write happens inside the critical section so a decision and
// the sweep can never both write.
type Broker struct {
	mu       sync.Mutex
	requests map[string]*request
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// probeConn detects a closed peer without consuming data. Swapped in tests.
	probeConn func(net.Conn) bool
}

// New creates a broker. A zero timeout disables the server-side timeout;
// dead-peer detection still runs.
func New(timeout time.Duration, logger *slog.Logger) *Broker {
	return &Broker{
		requests:  make(map[string]*request),
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
		probeConn: peerAlive,
	}
}

// Register records a pending request and writes the acknowledgement on conn.
// The connection stays open and is owned by the broker from here on.
func (b *Broker) Register(id string, conn net.Conn, hookPID int, input *wire.HookInput) error {
	if id == "" {
		return errors.New("request id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	req := &request{
		id:         id,
		conn:       conn,
		hookPID:    hookPID,
		sessionID:  input.SessionID,
		toolName:   input.ToolName,
		toolInput:  input.ToolInput,
		projectDir: input.ProjectDir,
		createdAt:  b.now(),
		status:     StatusPending,
	}
	b.requests[id] = req

	ack := wire.Ack{Success: true, Message: "Request registered", SessionID: input.SessionID}
	data, err := encodeJSON(ack)
	if err != nil {
		delete(b.requests, id)
		return err
	}
	if _, err := conn.Write(data); err != nil {
		delete(b.requests, id)
		return err
	}

	b.logger.Info("registered permission request",
		"request_id", id,
		"session_id", input.SessionID,
		"tool_name", input.ToolName,
		"hook_pid", hookPID,
	)
	return nil
}

// Resolve delivers the decision frame for a pending request and marks it
// resolved. It is idempotent in the error sense: a second call returns
// ErrAlreadyResolved, a call after disconnect returns ErrDisconnected. The
// socket is left open for the hook to close.
func (b *Broker) Resolve(id string, decision wire.Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[id]
	if !ok {
		return ErrNotFound
	}

	switch req.status {
	case StatusResolved:
		return ErrAlreadyResolved
	case StatusDisconnected:
		return ErrDisconnected
	}

	result := wire.DecisionResult{
		Success:    true,
		Decision:   decision,
		SessionID:  req.sessionID,
		ToolName:   req.toolName,
		ToolInput:  req.toolInput,
		ProjectDir: req.projectDir,
	}
	if err := wire.WriteFrame(req.conn, result); err != nil {
		// Peer is gone; the decision is lost.
		b.settle(req, StatusDisconnected)
		req.conn.Close()
		b.logger.Warn("decision write failed, marking disconnected",
			"request_id", id, "error", err)
		return ErrDisconnected
	}

	b.settle(req, StatusResolved)
	b.logger.Info("resolved permission request",
		"request_id", id,
		"session_id", req.sessionID,
		"behavior", decision.Behavior,
	)
	return nil
}

// Data returns a snapshot of the request, or false if it is unknown.
func (b *Broker) Data(id string) (Data, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[id]
	if !ok {
		return Data{}, false
	}
	return Data{
		ID:         req.id,
		HookPID:    req.hookPID,
		SessionID:  req.sessionID,
		ToolName:   req.toolName,
		ToolInput:  req.toolInput,
		ProjectDir: req.projectDir,
		CreatedAt:  req.createdAt,
	}, true
}

// Status returns the request's current state, or false if it is unknown.
func (b *Broker) Status(id string) (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[id]
	if !ok {
		return "", false
	}
	return req.status, true
}

// Stats returns a snapshot for the status endpoint.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{Requests: make(map[string]string, len(b.requests))}
	for id, req := range b.requests {
		stats.Requests[id] = string(req.status)
		if req.status == StatusPending {
			stats.Pending++
		}
	}
	return stats
}

// Run drives the fast sweep (dead peers, timeouts, terminal GC) and the slow
// hourly expiry sweep until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	fast := time.NewTicker(sweepInterval)
	defer fast.Stop()
	slow := time.NewTicker(expiryInterval)
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case <-fast.C:
			b.sweep()
		case <-slow.C:
			b.expire()
		}
	}
}

// sweep probes pending sockets, enforces the request timeout, and purges
// terminal requests past the grace window.
func (b *Broker) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for id, req := range b.requests {
		switch req.status {
		case StatusPending:
			if !b.probeConn(req.conn) {
				b.logger.Info("hook peer closed, marking disconnected", "request_id", id)
				b.settle(req, StatusDisconnected)
				req.conn.Close()
				continue
			}
			if b.timeout > 0 && now.Sub(req.createdAt) > b.timeout {
				b.timeoutRequest(req)
			}
		case StatusResolved, StatusDisconnected:
			if now.Sub(req.settledAt) > purgeDelay {
				delete(b.requests, id)
			}
		}
	}
}

// timeoutRequest writes the fallback frame so the hook can switch to terminal
// interaction, then marks the request disconnected.
func (b *Broker) timeoutRequest(req *request) {
	fallback := wire.ServerTimeoutFallback(
		req.sessionID,
		"服务端等待超时，请在终端处理该权限请求",
	)
	if err := wire.WriteFrame(req.conn, fallback); err != nil {
		b.logger.Warn("fallback write failed", "request_id", req.id, "error", err)
	} else {
		b.logger.Info("request timed out, sent fallback frame",
			"request_id", req.id,
			"session_id", req.sessionID,
			"age", b.now().Sub(req.createdAt),
		)
	}
	b.settle(req, StatusDisconnected)
	req.conn.Close()
}

// expire drops anything older than maxRequestAge, whatever its state.
func (b *Broker) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for id, req := range b.requests {
		if now.Sub(req.createdAt) > maxRequestAge {
			if req.status == StatusPending {
				req.conn.Close()
			}
			delete(b.requests, id)
			b.logger.Info("expired stale request", "request_id", id, "status", req.status)
		}
	}
}

// shutdown closes every remaining socket. In-flight requests are lost by
// design; the hooks time out on their side.
func (b *Broker) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, req := range b.requests {
		if req.status == StatusPending {
			req.conn.Close()
		}
		delete(b.requests, id)
	}
}

func (b *Broker) settle(req *request, status Status) {
	req.status = status
	req.settledAt = b.now()
}
