// Package ipc provides helpers for the local Unix-socket control channel used
// by CLI tools (paste/copy/status/watch) and picker UIs to talk to a running
// clipkeep server. Each selection channel's server listens on its own socket.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.klb.dev/clipkeep/internal/selection"
)

const dialTimeout = 2 * time.Second

// ErrNotRunning is returned by Dial when no server listens for the channel.
var ErrNotRunning = errors.New("clipkeep server not running")

// SocketPath returns the socket path for ch:
//
//   - $CLIPKEEP_SOCKET_DIR/clipkeep-<channel>.sock when set
//   - $XDG_RUNTIME_DIR/clipkeep-<channel>.sock
//   - $TMPDIR/clipkeep-<uid>-<channel>.sock otherwise
func SocketPath(ch selection.Channel) string {
	if dir := os.Getenv("CLIPKEEP_SOCKET_DIR"); dir != "" {
		return filepath.Join(dir, "clipkeep-"+ch.Lower()+".sock")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "clipkeep-"+ch.Lower()+".sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("clipkeep-%d-%s.sock", os.Getuid(), ch.Lower()))
}

// IsRunning reports whether a server appears to be listening for ch. It does
// a cheap dial-and-close; no data is exchanged.
func IsRunning(ch selection.Channel) bool {
	c, err := net.DialTimeout("unix", SocketPath(ch), dialTimeout)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen creates a listener on ch's socket, removing any stale socket file
// left by a crashed run. It refuses to take over a socket a live server is
// still answering on.
func Listen(ch selection.Channel) (net.Listener, error) {
	path := SocketPath(ch)
	if IsRunning(ch) {
		return nil, fmt.Errorf("a clipkeep server for %s is already listening on %s", ch, path)
	}
	_ = os.Remove(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return net.Listen("unix", path)
}

// Dial connects to ch's server.
func Dial(ch selection.Channel) (net.Conn, error) {
	c, err := net.DialTimeout("unix", SocketPath(ch), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w for %s (%s): %w", ErrNotRunning, ch, SocketPath(ch), err)
	}
	return c, nil
}
