package x11

import (
	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"go.klb.dev/clipkeep/internal/selection"
)

// Claim implements engine.Conn.
func (c *Conn) Claim() error {
	xproto.SetSelectionOwner(c.x, c.win, c.sel, xproto.TimeCurrentTime)
	return nil
}

// Disown implements engine.Conn.
func (c *Conn) Disown(t uint32) error {
	xproto.SetSelectionOwner(c.x, xproto.WindowNone, c.sel, xproto.Timestamp(t))
	return nil
}

// SendTargets implements engine.Conn.
func (c *Conn) SendTargets(req selection.Request, targets []string) error {
	atoms := make([]xproto.Atom, 0, len(targets))
	for _, t := range targets {
		at, err := c.atoms.intern(t)
		if err != nil {
			return err
		}
		atoms = append(atoms, at)
	}
	return c.reply(req, xproto.AtomAtom, 32, uint32(len(atoms)), putAtoms(atoms))
}

// SendTimestamp implements engine.Conn.
func (c *Conn) SendTimestamp(req selection.Request, t uint32) error {
	b := make([]byte, 4)
	xgb.Put32(b, t)
	return c.reply(req, xproto.AtomInteger, 32, 1, b)
}

// SendData implements engine.Conn.
func (c *Conn) SendData(req selection.Request, data []byte) error {
	typ, err := c.atoms.intern(req.Target)
	if err != nil {
		return err
	}
	return c.reply(req, typ, 8, uint32(len(data)), data)
}

// SendIncr implements engine.Conn.
func (c *Conn) SendIncr(req selection.Request, size int) error {
	incr, err := c.atoms.intern("INCR")
	if err != nil {
		return err
	}
	key := req.Key()
	c.mu.Lock()
	c.serving[key] = struct{}{}
	c.mu.Unlock()
	// Property deletions on the requestor drive the transfer.
	xproto.ChangeWindowAttributes(c.x, xproto.Window(req.Requestor), xproto.CwEventMask,
		[]uint32{xproto.EventMaskPropertyChange})
	b := make([]byte, 4)
	xgb.Put32(b, uint32(size))
	return c.reply(req, incr, 32, 1, b)
}

// SendChunk implements engine.Conn.
func (c *Conn) SendChunk(req selection.Request, data []byte) error {
	typ, err := c.atoms.intern(req.Target)
	if err != nil {
		return err
	}
	xproto.ChangeProperty(c.x, xproto.PropModeReplace, xproto.Window(req.Requestor),
		xproto.Atom(req.Property), typ, 8, uint32(len(data)), data)
	return nil
}

// EndServe implements engine.Conn.
func (c *Conn) EndServe(req selection.Request) {
	c.mu.Lock()
	delete(c.serving, req.Key())
	still := false
	for k := range c.serving {
		if k.Requestor == req.Requestor {
			still = true
			break
		}
	}
	c.mu.Unlock()
	if !still {
		xproto.ChangeWindowAttributes(c.x, xproto.Window(req.Requestor), xproto.CwEventMask,
			[]uint32{xproto.EventMaskNoEvent})
	}
}

// Refuse implements engine.Conn.
func (c *Conn) Refuse(req selection.Request) error {
	return c.notify(req, xproto.AtomNone)
}

func (c *Conn) reply(req selection.Request, typ xproto.Atom, format byte, n uint32, data []byte) error {
	prop := xproto.Atom(req.Property)
	xproto.ChangeProperty(c.x, xproto.PropModeReplace, xproto.Window(req.Requestor), prop, typ, format, n, data)
	return c.notify(req, prop)
}

func (c *Conn) notify(req selection.Request, prop xproto.Atom) error {
	target, err := c.atoms.intern(req.Target)
	if err != nil {
		return err
	}
	ev := xproto.SelectionNotifyEvent{
		Time:      xproto.Timestamp(req.Time),
		Requestor: xproto.Window(req.Requestor),
		Selection: c.sel,
		Target:    target,
		Property:  prop,
	}
	xproto.SendEvent(c.x, false, ev.Requestor, xproto.EventMaskNoEvent, string(ev.Bytes()))
	return nil
}
