// Package x11 connects the selection engine to an X server. A pump goroutine
// turns X events into engine events (doing any property reads itself so the
// server loop never waits on the X server), while the engine's requests are
// sent from the loop as unchecked, fire-and-forget X requests.
package x11

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgb/xtest"

	"go.klb.dev/clipkeep/internal/engine"
	"go.klb.dev/clipkeep/internal/selection"
)

// ErrClosed is returned once the X connection has gone away.
var ErrClosed = errors.New("x11: connection closed")

// transferProp is the property captured data is delivered in, on our own
// transfer windows.
const transferProp = "CLIPKEEP_TRANSFER"

// Options configures a Conn.
type Options struct {
	// Display is the X display to connect to; empty means $DISPLAY.
	Display string
	// MaxRead caps a single property read in bytes; zero reads whole
	// properties however large.
	MaxRead int
}

// Conn is one channel's connection to the X server. It implements
// engine.Conn and paste.Injector.
type Conn struct {
	ch      selection.Channel
	x       *xgb.Conn
	root    xproto.Window
	visual  xproto.Visualid
	win     xproto.Window
	sel     xproto.Atom
	prop    xproto.Atom
	maxRead int
	log     *slog.Logger

	atoms *atomCache
	pool  *pool
	keys  *keyboard

	mu        sync.Mutex
	transfers map[xproto.Window]*transfer
	serving   map[selection.ServeKey]struct{}

	events    chan engine.Event
	closeOnce sync.Once
}

// Dial connects to the X server and prepares to own and watch ch.
func Dial(ch selection.Channel, opts Options) (*Conn, error) {
	x, err := xgb.NewConnDisplay(opts.Display)
	if err != nil {
		return nil, fmt.Errorf("connect to X11 display %q: %w", opts.Display, err)
	}
	c, err := setup(ch, x, opts)
	if err != nil {
		x.Close()
		return nil, err
	}
	return c, nil
}

func setup(ch selection.Channel, x *xgb.Conn, opts Options) (*Conn, error) {
	if err := xfixes.Init(x); err != nil {
		return nil, fmt.Errorf("XFIXES extension unavailable: %w", err)
	}
	// The server only sends XFixes events to clients that announced a version.
	if _, err := xfixes.QueryVersion(x, 5, 0).Reply(); err != nil {
		return nil, fmt.Errorf("XFIXES version: %w", err)
	}
	if err := xtest.Init(x); err != nil {
		return nil, fmt.Errorf("XTEST extension unavailable: %w", err)
	}

	screen := xproto.Setup(x).DefaultScreen(x)
	c := &Conn{
		ch:        ch,
		x:         x,
		root:      screen.Root,
		visual:    screen.RootVisual,
		maxRead:   opts.MaxRead,
		log:       slog.Default().With("selection", ch),
		atoms:     newAtomCache(x),
		transfers: make(map[xproto.Window]*transfer),
		serving:   make(map[selection.ServeKey]struct{}),
		events:    make(chan engine.Event, 64),
	}
	c.pool = newPool(c.createWindow, c.destroyWindow)

	var err error
	if c.sel, err = c.atoms.intern(string(ch)); err != nil {
		return nil, err
	}
	if c.prop, err = c.atoms.intern(transferProp); err != nil {
		return nil, err
	}
	for _, name := range []string{engine.TargetTargets, engine.TargetTimestamp, "INCR", "ATOM"} {
		if _, err := c.atoms.intern(name); err != nil {
			return nil, err
		}
	}
	if c.win, err = c.createWindow(); err != nil {
		return nil, fmt.Errorf("create owner window: %w", err)
	}
	mask := uint32(xfixes.SelectionEventMaskSetSelectionOwner |
		xfixes.SelectionEventMaskSelectionWindowDestroy |
		xfixes.SelectionEventMaskSelectionClientClose)
	if err := xfixes.SelectSelectionInputChecked(x, c.win, c.sel, mask).Check(); err != nil {
		return nil, fmt.Errorf("watch %s ownership: %w", ch, err)
	}
	if c.keys, err = loadKeyboard(x); err != nil {
		return nil, err
	}
	c.log.Debug("x11 connected", "window", c.win, "atom", c.sel)
	return c, nil
}

func (c *Conn) createWindow() (xproto.Window, error) {
	w, err := xproto.NewWindowId(c.x)
	if err != nil {
		return 0, err
	}
	err = xproto.CreateWindowChecked(c.x, 0, w, c.root, 0, 0, 1, 1, 0,
		xproto.WindowClassInputOnly, c.visual,
		xproto.CwEventMask, []uint32{xproto.EventMaskPropertyChange}).Check()
	if err != nil {
		return 0, err
	}
	return w, nil
}

func (c *Conn) destroyWindow(w xproto.Window) { xproto.DestroyWindow(c.x, w) }

// Window returns the window this connection owns the selection with.
func (c *Conn) Window() selection.Window { return selection.Window(c.win) }

// MaxChunk is the largest payload that fits in one property write.
func (c *Conn) MaxChunk() int {
	return int(xproto.Setup(c.x).MaximumRequestLength)*4 - 64
}

// Events returns the engine events produced by Run. The channel is closed
// when Run returns.
func (c *Conn) Events() <-chan engine.Event { return c.events }

// Close disconnects from the X server, which also ends Run.
func (c *Conn) Close() error {
	c.closeOnce.Do(c.x.Close)
	return nil
}

// Run pumps X events until the connection closes or ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.events)
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	for {
		ev, xerr := c.x.WaitForEvent()
		if ev == nil && xerr == nil {
			if ctx.Err() != nil {
				return nil
			}
			return ErrClosed
		}
		if xerr != nil {
			// Usually a requestor or owner that vanished mid-transfer.
			c.log.Debug("x11 error", "err", xerr)
			continue
		}
		for _, out := range c.translate(ev) {
			select {
			case c.events <- out:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// CurrentOwner returns the selection's current owner, if it is not us.
func (c *Conn) CurrentOwner() (selection.Window, string, error) {
	r, err := xproto.GetSelectionOwner(c.x, c.sel).Reply()
	if err != nil {
		return selection.None, "", err
	}
	if r.Owner == xproto.WindowNone || r.Owner == c.win {
		return selection.None, "", nil
	}
	return selection.Window(r.Owner), c.appHint(r.Owner), nil
}

func (c *Conn) translate(ev xgb.Event) []engine.Event {
	switch ev := ev.(type) {
	case xfixes.SelectionNotifyEvent:
		if ev.Selection != c.sel {
			return nil
		}
		oc := engine.OwnerChanged{
			Owner: selection.Window(ev.Owner),
			Ours:  ev.Owner == c.win,
			Time:  uint32(ev.SelectionTimestamp),
		}
		if !oc.Ours && ev.Owner != xproto.WindowNone {
			oc.App = c.appHint(ev.Owner)
		}
		return []engine.Event{oc}
	case xproto.SelectionClearEvent:
		if ev.Selection != c.sel || ev.Owner != c.win {
			return nil
		}
		return []engine.Event{engine.SelectionCleared{}}
	case xproto.SelectionRequestEvent:
		if ev.Selection != c.sel {
			return nil
		}
		return []engine.Event{engine.ConversionRequested{Request: c.request(ev)}}
	case xproto.SelectionNotifyEvent:
		if out := c.captureReply(ev); out != nil {
			return []engine.Event{out}
		}
	case xproto.PropertyNotifyEvent:
		if out := c.propertyChanged(ev); out != nil {
			return []engine.Event{out}
		}
	case xproto.MappingNotifyEvent:
		if ev.Request == xproto.MappingKeyboard {
			if err := c.keys.reload(c.x); err != nil {
				c.log.Warn("keyboard mapping reload failed", "err", err)
			}
		}
	}
	return nil
}

// request converts a SelectionRequest. Obsolete requestors send no property
// and expect the reply in the property named by the target.
func (c *Conn) request(ev xproto.SelectionRequestEvent) selection.Request {
	prop := ev.Property
	if prop == xproto.AtomNone {
		prop = ev.Target
	}
	target, err := c.atoms.name(ev.Target)
	if err != nil {
		c.log.Debug("unnamed target atom", "atom", ev.Target, "err", err)
	}
	return selection.Request{
		Requestor: selection.Window(ev.Requestor),
		Target:    target,
		Property:  uint32(prop),
		Time:      uint32(ev.Time),
	}
}

func (c *Conn) propertyChanged(ev xproto.PropertyNotifyEvent) engine.Event {
	switch ev.State {
	case xproto.PropertyDelete:
		key := selection.ServeKey{Requestor: selection.Window(ev.Window), Property: uint32(ev.Atom)}
		c.mu.Lock()
		_, ok := c.serving[key]
		c.mu.Unlock()
		if ok {
			return engine.RequestorReady{Key: key}
		}
	case xproto.PropertyNewValue:
		if ev.Atom != c.prop {
			return nil
		}
		return c.incrChunk(ev.Window)
	}
	return nil
}

// readProperty reads a whole property, deleting it afterwards when del is set.
func (c *Conn) readProperty(w xproto.Window, prop xproto.Atom, del bool) (*xproto.GetPropertyReply, []byte, error) {
	const step = 1 << 20 // bytes per round trip
	var (
		first *xproto.GetPropertyReply
		data  []byte
		off   uint32
	)
	for {
		r, err := xproto.GetProperty(c.x, false, w, prop, xproto.AtomAny, off, step/4).Reply()
		if err != nil {
			return nil, nil, err
		}
		if first == nil {
			first = r
		}
		data = append(data, r.Value...)
		if !moreToRead(r.BytesAfter, len(r.Value), len(data), c.maxRead) {
			break
		}
		off += uint32(len(r.Value) / 4)
	}
	if del {
		xproto.DeleteProperty(c.x, w, prop)
	}
	return first, data, nil
}

// moreToRead reports whether a property read holding have bytes should fetch
// the next piece. A capped read stops only once it holds more than limit
// bytes, so the capture pipeline sees the property as oversize and rejects or
// truncates it.
func moreToRead(after uint32, got, have, limit int) bool {
	if after == 0 || got == 0 {
		return false
	}
	return limit <= 0 || have <= limit
}

// appHint returns an application name for w, best effort.
func (c *Conn) appHint(w xproto.Window) string {
	inst, class, err := c.wmClass(w)
	if err != nil {
		return ""
	}
	if inst != "" {
		return inst
	}
	return class
}
