// Package clip is the polling clipboard backend used when the X server lacks
// the extensions the selection engine needs (XFIXES, XTEST). It can only see
// the CLIPBOARD selection, only in its text and PNG forms, and learns about
// changes by polling. On Linux New returns the golang.design/x/clipboard
// poller; elsewhere, or without a display, a no-op headless backend.
package clip

import (
	"errors"
	"time"
)

// Targets the backend reads and writes.
const (
	MIMEText = "UTF8_STRING"
	MIMEPNG  = "image/png"
)

// PollInterval is how often the clipboard is sampled.
const PollInterval = 250 * time.Millisecond

// ErrUnsupported is returned for content the backend cannot represent.
var ErrUnsupported = errors.New("clip: unsupported content")

// Item is one representation read from the clipboard.
type Item struct {
	MIME string
	Data []byte
}

// Backend is the interface that all clipboard implementations satisfy.
type Backend interface {
	// Name returns a human-readable name for the backend.
	Name() string

	// Read returns the current clipboard contents, image first.
	// Returns nil, nil if the clipboard is empty or contains only unsupported types.
	Read() ([]Item, error)

	// Write takes clipboard ownership with data as mime. It returns
	// ErrUnsupported for anything but text and PNG.
	Write(mime string, data []byte) error

	// Watch returns a channel that receives a signal whenever the clipboard
	// changes. The channel is never closed. The caller should call Read()
	// when it receives from the channel.
	Watch() <-chan struct{}

	// Close releases any resources held by the backend.
	Close()
}
