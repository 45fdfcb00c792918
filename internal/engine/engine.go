// Package engine is the selection owner/requester state machine for one
// selection channel. It is driven entirely by Handle: the windowing-system
// adapter translates its events into the Event types below and the server
// loop feeds them in one at a time, together with periodic Ticks. Nothing in
// the engine blocks or locks.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.klb.dev/clipkeep/internal/capture"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/selection"
)

// ErrClaimFailed is passed to a claim's completion when ownership was not
// confirmed: the windowing system never confirmed it, another client won the
// race, or a newer claim superseded it.
var ErrClaimFailed = errors.New("engine: ownership claim failed")

// Protocol targets the engine answers itself.
const (
	TargetTargets   = "TARGETS"
	TargetTimestamp = "TIMESTAMP"
)

// DefaultChunkSize is the incremental transfer chunk used when none is
// configured.
const DefaultChunkSize = 256 * 1024

// Conn is the windowing-system side of one channel. Every method only queues
// a request; replies come back as events.
type Conn interface {
	capture.Transport

	// Claim asks to become the selection owner. Confirmation arrives as an
	// OwnerChanged naming our own window.
	Claim() error
	// Disown gives up ownership acquired at time t. It has no effect if
	// someone else has claimed the selection since.
	Disown(t uint32) error

	SendTargets(req selection.Request, targets []string) error
	SendTimestamp(req selection.Request, t uint32) error
	SendData(req selection.Request, data []byte) error
	// SendIncr announces an incremental transfer of size bytes and starts
	// reporting the requestor's property deletions as RequestorReady.
	SendIncr(req selection.Request, size int) error
	SendChunk(req selection.Request, data []byte) error
	// EndServe stops watching the requestor of an incremental transfer.
	EndServe(req selection.Request)
	Refuse(req selection.Request) error
}

// Event is anything Handle accepts.
type Event interface{ event() }

// OwnerChanged reports a new selection owner. Ours is set when the owner is
// this process's own window.
type OwnerChanged struct {
	Owner selection.Window
	Ours  bool
	App   string
	Time  uint32
}

// SelectionCleared reports that the windowing system took ownership away from
// us.
type SelectionCleared struct{}

// TargetsReply answers a capture's TARGETS request.
type TargetsReply struct {
	ID      selection.TransferID
	Targets []string
	OK      bool
}

// DataReply answers a capture's data request.
type DataReply struct {
	ID     selection.TransferID
	Target string
	Data   []byte
	Incr   bool
	OK     bool
}

// Chunk carries one piece of an incremental capture; empty ends it.
type Chunk struct {
	ID   selection.TransferID
	Data []byte
}

// ConversionRequested is a foreign request for the selection we own.
type ConversionRequested struct{ Request selection.Request }

// RequestorReady reports that a requestor consumed the last chunk we wrote.
type RequestorReady struct{ Key selection.ServeKey }

// Tick advances timeouts.
type Tick struct{ Now time.Time }

func (OwnerChanged) event()        {}
func (SelectionCleared) event()    {}
func (TargetsReply) event()        {}
func (DataReply) event()           {}
func (Chunk) event()               {}
func (ConversionRequested) event() {}
func (RequestorReady) event()      {}
func (Tick) event()                {}

// Config tunes an Engine.
type Config struct {
	ClaimTimeout time.Duration
	ServeTimeout time.Duration
	// ChunkSize is the largest payload served in one piece.
	ChunkSize int
	Capture   capture.Config
	Now       func() time.Time
}

type claim struct {
	item     history.Item
	done     func(error)
	deadline time.Time
}

type serve struct {
	req      selection.Request
	data     []byte
	off      int
	deadline time.Time
}

// Engine owns the OwnershipState of one channel.
type Engine struct {
	ch   selection.Channel
	conn Conn
	cfg  Config
	log  *slog.Logger

	state   selection.State
	served  *history.Item
	ownedAt uint32
	pending *claim

	captures *capture.Pipeline
	serves   map[selection.ServeKey]*serve
}

// New returns an Unowned engine for ch. Captured items are passed to emit in
// ownership-change order.
func New(ch selection.Channel, conn Conn, cfg Config, emit func(history.Item)) *Engine {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * time.Second
	}
	if cfg.ServeTimeout <= 0 {
		cfg.ServeTimeout = 5 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Capture.Now == nil {
		cfg.Capture.Now = cfg.Now
	}
	return &Engine{
		ch:       ch,
		conn:     conn,
		cfg:      cfg,
		log:      slog.Default().With("selection", ch),
		captures: capture.New(ch, conn, cfg.Capture, emit),
		serves:   make(map[selection.ServeKey]*serve),
	}
}

// State returns the current ownership state.
func (e *Engine) State() selection.State { return e.state }

// Served returns the item answered for conversion requests, if we own the
// selection.
func (e *Engine) Served() (history.Item, bool) {
	if e.state != selection.OwnedByUs || e.served == nil {
		return history.Item{}, false
	}
	return *e.served, true
}

// PendingCaptures returns the number of captures in flight.
func (e *Engine) PendingCaptures() int { return e.captures.Pending() }

// ActiveServes returns the number of incremental transfers being served.
func (e *Engine) ActiveServes() int { return len(e.serves) }

// Handle dispatches one windowing-system event.
func (e *Engine) Handle(ev Event) {
	switch ev := ev.(type) {
	case OwnerChanged:
		if ev.Ours {
			e.confirmed(ev.Time)
			return
		}
		e.OnOwnershipLost(ev.Owner, ev.App)
	case SelectionCleared:
		if e.state == selection.OwnedByUs {
			e.log.Debug("selection cleared")
			e.lose()
		}
	case TargetsReply:
		e.captures.Targets(ev.ID, ev.Targets, ev.OK)
	case DataReply:
		e.captures.Data(ev.ID, ev.Target, ev.Data, ev.Incr, ev.OK)
	case Chunk:
		e.captures.Chunk(ev.ID, ev.Data)
	case ConversionRequested:
		e.OnConversionRequest(ev.Request)
	case RequestorReady:
		e.advance(ev.Key)
	case Tick:
		e.expire(ev.Now)
	default:
		e.log.Warn("unknown engine event", "event", fmt.Sprintf("%T", ev))
	}
}

// OnOwnershipLost handles a foreign client becoming owner (or the selection
// being cleared when owner is None) and captures the new owner's content.
// A pending claim stays pending: only a later confirmation naming us, or its
// timeout, settles it.
func (e *Engine) OnOwnershipLost(owner selection.Window, app string) {
	if e.state == selection.OwnedByUs {
		e.log.Debug("ownership lost", "owner", owner, "app", app)
		e.lose()
	}
	if owner == selection.None {
		return
	}
	e.captures.Start(owner, app)
}

// Capture starts a capture from owner without any ownership change, used to
// record the selection that existed before the server started.
func (e *Engine) Capture(owner selection.Window, app string) {
	if owner == selection.None {
		return
	}
	e.captures.Start(owner, app)
}

func (e *Engine) lose() {
	e.state = selection.Unowned
	e.served = nil
}

func (e *Engine) confirmed(t uint32) {
	switch e.state {
	case selection.ClaimPending:
		c := e.pending
		e.pending = nil
		e.state = selection.OwnedByUs
		e.served = &c.item
		e.ownedAt = t
		e.log.Info("ownership confirmed", "item", c.item.ID, "mime", c.item.MIME, "bytes", c.item.Size())
		c.done(nil)
	case selection.OwnedByUs:
		e.ownedAt = t
	default:
		// The claim already failed; do not serve content nobody asked for.
		e.log.Debug("late ownership confirmation, disowning", "time", t)
		if err := e.conn.Disown(t); err != nil {
			e.log.Warn("disown failed", "err", err)
		}
	}
}

// Claim requests ownership for item. done is called exactly once: with nil
// once the windowing system confirms us as owner, or with an error wrapping
// ErrClaimFailed. A claim issued while another is pending supersedes it.
func (e *Engine) Claim(item history.Item, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if e.pending != nil {
		old := e.pending
		e.pending = nil
		old.done(fmt.Errorf("%w: superseded by a newer claim", ErrClaimFailed))
	}
	if err := e.conn.Claim(); err != nil {
		e.log.Warn("claim not sent", "item", item.ID, "err", err)
		done(fmt.Errorf("%w: %w", ErrClaimFailed, err))
		return
	}
	e.state = selection.ClaimPending
	e.served = nil
	e.pending = &claim{
		item:     item,
		done:     done,
		deadline: e.cfg.Now().Add(e.cfg.ClaimTimeout),
	}
	e.log.Debug("claim sent", "item", item.ID)
}

// Release gives up ownership. It is a no-op when nothing is owned.
func (e *Engine) Release() {
	switch e.state {
	case selection.OwnedByUs:
		if err := e.conn.Disown(e.ownedAt); err != nil {
			e.log.Warn("disown failed", "err", err)
		}
		e.log.Info("ownership released")
	case selection.ClaimPending:
		c := e.pending
		e.pending = nil
		c.done(fmt.Errorf("%w: released", ErrClaimFailed))
	default:
		return
	}
	e.lose()
}

// OnConversionRequest answers a foreign client's request. Only the exact
// target the item was captured as is served; the engine never converts.
func (e *Engine) OnConversionRequest(req selection.Request) {
	log := e.log.With("requestor", req.Requestor, "target", req.Target)
	if e.state != selection.OwnedByUs || e.served == nil {
		log.Debug("refusing request, not owner", "state", e.state)
		e.refuse(req)
		return
	}
	it := e.served
	var err error
	switch req.Target {
	case TargetTargets:
		err = e.conn.SendTargets(req, []string{TargetTargets, TargetTimestamp, it.MIME})
	case TargetTimestamp:
		err = e.conn.SendTimestamp(req, e.ownedAt)
	case it.MIME:
		if len(it.Payload) > e.cfg.ChunkSize {
			err = e.startIncr(req, it.Payload)
		} else {
			err = e.conn.SendData(req, it.Payload)
		}
	default:
		log.Debug("refusing unsupported target")
		e.refuse(req)
		return
	}
	if err != nil {
		log.Warn("conversion reply failed", "err", err)
		return
	}
	log.Debug("served", "item", it.ID)
}

func (e *Engine) refuse(req selection.Request) {
	if err := e.conn.Refuse(req); err != nil {
		e.log.Warn("refusal failed", "requestor", req.Requestor, "err", err)
	}
}

func (e *Engine) startIncr(req selection.Request, data []byte) error {
	key := req.Key()
	if old, ok := e.serves[key]; ok {
		e.log.Debug("requestor restarted a transfer", "requestor", req.Requestor)
		e.conn.EndServe(old.req)
		delete(e.serves, key)
	}
	if err := e.conn.SendIncr(req, len(data)); err != nil {
		return err
	}
	e.serves[key] = &serve{req: req, data: data, deadline: e.cfg.Now().Add(e.cfg.ServeTimeout)}
	return nil
}

// advance writes the next chunk of an incremental transfer, or the empty
// terminator once everything has been sent.
func (e *Engine) advance(key selection.ServeKey) {
	s, ok := e.serves[key]
	if !ok {
		return
	}
	n := min(e.cfg.ChunkSize, len(s.data)-s.off)
	chunk := s.data[s.off : s.off+n]
	if err := e.conn.SendChunk(s.req, chunk); err != nil {
		e.log.Warn("incremental transfer aborted", "requestor", s.req.Requestor, "err", err)
		e.endServe(key, s)
		return
	}
	if n == 0 {
		e.log.Debug("incremental transfer complete", "requestor", s.req.Requestor, "bytes", len(s.data))
		e.endServe(key, s)
		return
	}
	s.off += n
	s.deadline = e.cfg.Now().Add(e.cfg.ServeTimeout)
}

func (e *Engine) endServe(key selection.ServeKey, s *serve) {
	delete(e.serves, key)
	e.conn.EndServe(s.req)
}

func (e *Engine) expire(now time.Time) {
	if c := e.pending; c != nil && now.After(c.deadline) {
		e.pending = nil
		e.state = selection.Unowned
		e.served = nil
		e.log.Warn("claim timed out", "item", c.item.ID, "timeout", e.cfg.ClaimTimeout)
		c.done(fmt.Errorf("%w: not confirmed within %s", ErrClaimFailed, e.cfg.ClaimTimeout))
	}
	e.captures.Expire(now)
	for key, s := range e.serves {
		if now.After(s.deadline) {
			e.log.Warn("requestor stalled, abandoning transfer", "requestor", s.req.Requestor, "sent", s.off, "bytes", len(s.data))
			e.endServe(key, s)
		}
	}
}
