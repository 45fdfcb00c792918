package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipkeep/internal/selection"
)

func TestSocketPath(t *testing.T) {
	t.Setenv("CLIPKEEP_SOCKET_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/clipkeep-primary.sock", SocketPath(selection.Primary))

	t.Setenv("CLIPKEEP_SOCKET_DIR", "/sock")
	assert.Equal(t, "/sock/clipkeep-clipboard.sock", SocketPath(selection.Clipboard))

	t.Setenv("CLIPKEEP_SOCKET_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, filepath.Join(os.TempDir(), fmt.Sprintf("clipkeep-%d-clipboard.sock", os.Getuid())), SocketPath(selection.Clipboard))
}

func TestListenDialAndStaleSocket(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLIPKEEP_SOCKET_DIR", dir)

	_, err := Dial(selection.Clipboard)
	assert.ErrorIs(t, err, ErrNotRunning)

	// A leftover file from a crashed server is replaced.
	require.NoError(t, os.WriteFile(SocketPath(selection.Clipboard), nil, 0o600))
	ln, err := Listen(selection.Clipboard)
	require.NoError(t, err)
	defer ln.Close()

	assert.True(t, IsRunning(selection.Clipboard))
	assert.False(t, IsRunning(selection.Primary))

	_, err = Listen(selection.Clipboard)
	assert.Error(t, err, "second server on the same channel")

	go func() {
		if c, err := ln.Accept(); err == nil {
			_ = c.Close()
		}
	}()
	c, err := Dial(selection.Clipboard)
	require.NoError(t, err)
	_ = c.Close()
}
