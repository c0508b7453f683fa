// ABOUTME: Dead-peer detection for blocked hook sockets
// ABOUTME: Non-consuming MSG_PEEK probe on the raw unix socket fd

package broker

import (
	"encoding/json"
	"net"
	"syscall"
)

// peerAlive reports whether the unix-socket peer is still connected. A
// zero-byte read with EOF means the peer closed; peeking with MSG_DONTWAIT
// avoids blocking and MSG_PEEK avoids consuming anything the peer may have
// sent. Connections that don't expose a raw fd are assumed alive.
func peerAlive(conn net.Conn) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return true
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}

	alive := true
	ctrlErr := raw.Control(func(fd uintptr) {
		buf := make([]byte, 1)
		n, _, err := syscall.Recvfrom(int(fd), buf, syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
		switch {
		case n == 0 && err == nil:
			// Orderly shutdown from the peer.
			alive = false
		case err == syscall.EAGAIN || err == syscall.EWOULDBLOCK:
			alive = true
		case err != nil:
			alive = false
		}
	})
	if ctrlErr != nil {
		return false
	}
	return alive
}

// encodeJSON marshals the un-prefixed acknowledgement payload.
func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
