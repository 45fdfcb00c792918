//go:build linux

package clip

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"golang.design/x/clipboard"
)

type linuxBackend struct {
	watchCh  chan struct{}
	done     chan struct{}
	lastText []byte
	lastImg  []byte
}

// New returns the polling backend, or a headless no-op backend if no display
// is available. clipboard.Init is called here rather than in init() so that
// CLI sub-commands don't trigger the warning.
func New(interval time.Duration) Backend {
	if err := clipboard.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return newHeadless()
	}
	if interval <= 0 {
		interval = PollInterval
	}
	b := &linuxBackend{
		watchCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go b.poll(interval)
	return b
}

func (b *linuxBackend) Name() string { return "X11 clipboard (poll)" }

func (b *linuxBackend) poll(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			text := clipboard.Read(clipboard.FmtText)
			img := clipboard.Read(clipboard.FmtImage)
			if !bytes.Equal(text, b.lastText) || !bytes.Equal(img, b.lastImg) {
				b.lastText = text
				b.lastImg = img
				select {
				case b.watchCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (b *linuxBackend) Read() ([]Item, error) {
	var items []Item
	if img := clipboard.Read(clipboard.FmtImage); len(img) > 0 {
		items = append(items, Item{MIME: MIMEPNG, Data: img})
	}
	if text := clipboard.Read(clipboard.FmtText); len(text) > 0 {
		items = append(items, Item{MIME: MIMEText, Data: text})
	}
	return items, nil
}

func (b *linuxBackend) Write(mime string, data []byte) error {
	switch mime {
	case MIMEPNG:
		clipboard.Write(clipboard.FmtImage, data)
	case MIMEText, "STRING", "TEXT", "text/plain", "text/plain;charset=utf-8":
		clipboard.Write(clipboard.FmtText, data)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, mime)
	}
	return nil
}

func (b *linuxBackend) Watch() <-chan struct{} { return b.watchCh }
func (b *linuxBackend) Close()                 { close(b.done) }
