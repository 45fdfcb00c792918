package x11

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgb/xtest"

	"go.klb.dev/clipkeep/internal/paste"
	"go.klb.dev/clipkeep/internal/selection"
)

// FocusedWindow implements paste.Injector.
func (c *Conn) FocusedWindow() (selection.Window, error) {
	r, err := xproto.GetInputFocus(c.x).Reply()
	if err != nil {
		return selection.None, err
	}
	// PointerRoot and None both mean no specific window.
	if r.Focus == xproto.WindowNone || r.Focus == xproto.InputFocusPointerRoot {
		return selection.None, nil
	}
	return selection.Window(r.Focus), nil
}

// AppIdentity implements paste.Injector. Focus often lands on a child of the
// application's top-level window, so it walks up to the first ancestor that
// carries WM_CLASS.
func (c *Conn) AppIdentity(w selection.Window) (string, string, error) {
	return c.wmClass(xproto.Window(w))
}

var errNoClass = errors.New("no WM_CLASS")

func (c *Conn) wmClass(w xproto.Window) (string, string, error) {
	for depth := 0; w != xproto.WindowNone && w != c.root && depth < 32; depth++ {
		r, err := xproto.GetProperty(c.x, false, w, xproto.AtomWmClass, xproto.AtomString, 0, 256).Reply()
		if err != nil {
			return "", "", err
		}
		if r.Format == 8 && len(r.Value) > 0 {
			inst, class := splitClass(r.Value)
			return inst, class, nil
		}
		t, err := xproto.QueryTree(c.x, w).Reply()
		if err != nil {
			return "", "", err
		}
		w = t.Parent
	}
	return "", "", errNoClass
}

// splitClass splits a WM_CLASS value: two NUL-terminated strings.
func splitClass(v []byte) (instance, class string) {
	parts := bytes.SplitN(bytes.TrimRight(v, "\x00"), []byte{0}, 2)
	instance = string(parts[0])
	if len(parts) > 1 {
		class = string(parts[1])
	}
	return instance, class
}

// Inject implements paste.Injector. Modifiers are pressed first and released
// in reverse order; a button stroke clicks at the pointer position.
func (c *Conn) Inject(w selection.Window, s paste.Stroke) error {
	if f, err := c.FocusedWindow(); err == nil && w != selection.None && f != w {
		xproto.SetInputFocus(c.x, xproto.InputFocusParent, xproto.Window(w), xproto.TimeCurrentTime)
	}
	if s.IsButton() {
		c.fake(xproto.ButtonPress, s.Button)
		c.fake(xproto.ButtonRelease, s.Button)
		return c.sync()
	}
	codes := make([]xproto.Keycode, 0, len(s.Modifiers)+1)
	for _, k := range append(append([]paste.Keysym{}, s.Modifiers...), s.Key) {
		code, ok := c.keys.code(k)
		if !ok {
			return fmt.Errorf("no keycode for keysym 0x%x", uint32(k))
		}
		codes = append(codes, code)
	}
	for _, code := range codes {
		c.fake(xproto.KeyPress, byte(code))
	}
	for i := len(codes) - 1; i >= 0; i-- {
		c.fake(xproto.KeyRelease, byte(codes[i]))
	}
	return c.sync()
}

func (c *Conn) fake(typ, detail byte) {
	xtest.FakeInput(c.x, typ, detail, 0, c.root, 0, 0, 0)
}

// sync waits for the server to process the queued input.
func (c *Conn) sync() error {
	_, err := xproto.GetInputFocus(c.x).Reply()
	return err
}

// keyboard is the keysym to keycode table.
type keyboard struct {
	mu    sync.RWMutex
	codes map[paste.Keysym]xproto.Keycode
}

func loadKeyboard(x *xgb.Conn) (*keyboard, error) {
	k := &keyboard{}
	if err := k.reload(x); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *keyboard) reload(x *xgb.Conn) error {
	setup := xproto.Setup(x)
	first, last := setup.MinKeycode, setup.MaxKeycode
	r, err := xproto.GetKeyboardMapping(x, first, byte(last-first+1)).Reply()
	if err != nil {
		return fmt.Errorf("keyboard mapping: %w", err)
	}
	codes := make(map[paste.Keysym]xproto.Keycode)
	per := int(r.KeysymsPerKeycode)
	// Column by column, so an unshifted binding wins over a shifted one.
	for col := 0; col < per; col++ {
		for i := col; i < len(r.Keysyms); i += per {
			ks := paste.Keysym(r.Keysyms[i])
			if ks == 0 {
				continue
			}
			if _, ok := codes[ks]; !ok {
				codes[ks] = first + xproto.Keycode(i/per)
			}
		}
	}
	k.mu.Lock()
	k.codes = codes
	k.mu.Unlock()
	return nil
}

func (k *keyboard) code(s paste.Keysym) (xproto.Keycode, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	c, ok := k.codes[s]
	return c, ok
}
