package x11

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb/xproto"

	"go.klb.dev/clipkeep/internal/engine"
	"go.klb.dev/clipkeep/internal/selection"
)

// transfer is the requestor-side state of one capture, keyed by the window
// it runs on.
type transfer struct {
	target string
	atom   xproto.Atom
	incr   bool
}

// pool recycles the invisible requestor windows captures run on.
type pool struct {
	mu      sync.Mutex
	free    []xproto.Window
	create  func() (xproto.Window, error)
	destroy func(xproto.Window)
}

const poolMax = 4

func newPool(create func() (xproto.Window, error), destroy func(xproto.Window)) *pool {
	return &pool{create: create, destroy: destroy}
}

func (p *pool) get() (xproto.Window, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		w := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()
	return p.create()
}

func (p *pool) put(w xproto.Window) {
	p.mu.Lock()
	if len(p.free) < poolMax {
		p.free = append(p.free, w)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.destroy(w)
}

// NewTransfer implements capture.Transport.
func (c *Conn) NewTransfer() (selection.TransferID, error) {
	w, err := c.pool.get()
	if err != nil {
		return 0, fmt.Errorf("transfer window: %w", err)
	}
	c.mu.Lock()
	c.transfers[w] = &transfer{}
	c.mu.Unlock()
	return selection.TransferID(w), nil
}

// RequestTargets implements capture.Transport.
func (c *Conn) RequestTargets(id selection.TransferID) error {
	return c.convert(id, engine.TargetTargets)
}

// RequestData implements capture.Transport.
func (c *Conn) RequestData(id selection.TransferID, target string) error {
	return c.convert(id, target)
}

func (c *Conn) convert(id selection.TransferID, target string) error {
	at, err := c.atoms.intern(target)
	if err != nil {
		return err
	}
	w := xproto.Window(id)
	c.mu.Lock()
	t, ok := c.transfers[w]
	if ok {
		*t = transfer{target: target, atom: at}
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transfer %d", id)
	}
	xproto.ConvertSelection(c.x, w, c.sel, at, c.prop, xproto.TimeCurrentTime)
	return nil
}

// CloseTransfer implements capture.Transport.
func (c *Conn) CloseTransfer(id selection.TransferID, reuse bool) {
	w := xproto.Window(id)
	c.mu.Lock()
	delete(c.transfers, w)
	c.mu.Unlock()
	if !reuse {
		// A stalled owner may still write into this window.
		c.destroyWindow(w)
		return
	}
	xproto.DeleteProperty(c.x, w, c.prop)
	c.pool.put(w)
}

func (c *Conn) lookupTransfer(w xproto.Window) (transfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[w]
	if !ok {
		return transfer{}, false
	}
	return *t, true
}

// captureReply turns the owner's SelectionNotify on a transfer window into a
// TargetsReply or DataReply, reading the property it wrote.
func (c *Conn) captureReply(ev xproto.SelectionNotifyEvent) engine.Event {
	if ev.Selection != c.sel {
		return nil
	}
	t, ok := c.lookupTransfer(ev.Requestor)
	if !ok || ev.Target != t.atom {
		return nil
	}
	id := selection.TransferID(ev.Requestor)
	refused := ev.Property == xproto.AtomNone

	if t.target == engine.TargetTargets {
		if refused {
			return engine.TargetsReply{ID: id}
		}
		r, data, err := c.readProperty(ev.Requestor, ev.Property, true)
		if err != nil || r.Format != 32 {
			c.log.Debug("unreadable TARGETS reply", "transfer", id, "err", err)
			return engine.TargetsReply{ID: id}
		}
		return engine.TargetsReply{ID: id, Targets: c.atoms.names(atomList(data)), OK: true}
	}

	if refused {
		return engine.DataReply{ID: id, Target: t.target}
	}
	r, data, err := c.readProperty(ev.Requestor, ev.Property, false)
	if err != nil {
		c.log.Debug("unreadable data reply", "transfer", id, "target", t.target, "err", err)
		return engine.DataReply{ID: id, Target: t.target}
	}
	if incr, _ := c.atoms.intern("INCR"); r.Type == incr {
		c.mu.Lock()
		if tt, ok := c.transfers[ev.Requestor]; ok {
			tt.incr = true
		}
		c.mu.Unlock()
		// Deleting the INCR property asks the owner for the first chunk.
		xproto.DeleteProperty(c.x, ev.Requestor, ev.Property)
		return engine.DataReply{ID: id, Target: t.target, Incr: true, OK: true}
	}
	xproto.DeleteProperty(c.x, ev.Requestor, ev.Property)
	return engine.DataReply{ID: id, Target: t.target, Data: data, OK: true}
}

// incrChunk reads the next chunk of an incremental capture. Deleting the
// property asks the owner for the one after.
func (c *Conn) incrChunk(w xproto.Window) engine.Event {
	t, ok := c.lookupTransfer(w)
	if !ok || !t.incr {
		return nil
	}
	_, data, err := c.readProperty(w, c.prop, true)
	if err != nil {
		c.log.Debug("unreadable chunk", "transfer", w, "err", err)
		return nil
	}
	return engine.Chunk{ID: selection.TransferID(w), Data: data}
}
