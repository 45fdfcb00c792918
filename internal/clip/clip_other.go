//go:build !linux

package clip

import "time"

// New returns a no-op backend; the polling backend needs an X11 display.
func New(time.Duration) Backend { return newHeadless() }
