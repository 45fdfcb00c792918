package clip

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.klb.dev/clipkeep/internal/engine"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/paste"
	"go.klb.dev/clipkeep/internal/selection"
)

// ErrNoInjection is returned by Inject: a polling backend cannot synthesize
// input, so a paste only sets the clipboard.
var ErrNoInjection = errors.New("clip: key injection unavailable with the poll backend")

var errNotServing = errors.New("clip: conversion requests are answered by the clipboard library")

// Pseudo windows. The backend never sees real window ids.
const (
	ownerWindow selection.Window = 1
	ourWindow   selection.Window = 2
	focusWindow selection.Window = 3
)

// Display drives the selection engine from a Backend. Every observed change
// is reported as a new foreign owner, captures read the sampled contents,
// and a claim writes the staged item back.
type Display struct {
	b      Backend
	events chan engine.Event
	queue  chan engine.Event
	log    *slog.Logger

	mu      sync.Mutex
	nextID  selection.TransferID
	snaps   map[selection.TransferID][]Item
	staged  *history.Item
	written []byte
	owned   bool
}

// NewDisplay wraps b. Only CLIPBOARD is reachable through a Backend.
func NewDisplay(b Backend) *Display {
	return &Display{
		b:      b,
		events: make(chan engine.Event, 64),
		queue:  make(chan engine.Event, 64),
		log:    slog.Default().With("selection", selection.Clipboard, "backend", b.Name()),
		snaps:  make(map[selection.TransferID][]Item),
	}
}

func (d *Display) Window() selection.Window       { return ourWindow }
func (d *Display) MaxChunk() int                  { return math.MaxInt32 }
func (d *Display) Events() <-chan engine.Event    { return d.events }
func (d *Display) Close() error                   { d.b.Close(); return nil }
func (d *Display) EndServe(selection.Request)     {}
func (d *Display) Refuse(selection.Request) error { return nil }

// Run reports clipboard changes and queued replies until ctx is done.
func (d *Display) Run(ctx context.Context) error {
	defer close(d.events)
	for {
		var ev engine.Event
		select {
		case <-ctx.Done():
			return nil
		case <-d.b.Watch():
			oc, ok := d.changed()
			if !ok {
				continue
			}
			ev = oc
		case ev = <-d.queue:
		}
		select {
		case d.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// changed turns a watch signal into an ownership change, ignoring the
// content we wrote ourselves.
func (d *Display) changed() (engine.OwnerChanged, bool) {
	items, err := d.b.Read()
	if err != nil {
		d.log.Warn("clipboard read failed", "err", err)
		return engine.OwnerChanged{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owned && d.holds(items) {
		return engine.OwnerChanged{}, false
	}
	d.owned = false
	if len(items) == 0 {
		return engine.OwnerChanged{Owner: selection.None}, true
	}
	return engine.OwnerChanged{Owner: ownerWindow}, true
}

func (d *Display) holds(items []Item) bool {
	for _, it := range items {
		if bytes.Equal(it.Data, d.written) {
			return true
		}
	}
	return false
}

// CurrentOwner reports a foreign owner whenever the clipboard has content
// we did not write.
func (d *Display) CurrentOwner() (selection.Window, string, error) {
	items, err := d.b.Read()
	if err != nil {
		return selection.None, "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(items) == 0 || (d.owned && d.holds(items)) {
		return selection.None, "", nil
	}
	return ownerWindow, "", nil
}

func (d *Display) post(ev engine.Event) {
	select {
	case d.queue <- ev:
	default:
		d.log.Warn("reply queue full, dropping", "event", ev)
	}
}

func (d *Display) NewTransfer() (selection.TransferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID, nil
}

// RequestTargets samples the clipboard once; the data requests of the same
// transfer are answered from that sample.
func (d *Display) RequestTargets(id selection.TransferID) error {
	items, err := d.b.Read()
	if err != nil {
		return err
	}
	targets := make([]string, 0, len(items))
	for _, it := range items {
		targets = append(targets, it.MIME)
	}
	d.mu.Lock()
	d.snaps[id] = items
	d.mu.Unlock()
	d.post(engine.TargetsReply{ID: id, Targets: targets, OK: len(items) > 0})
	return nil
}

func (d *Display) RequestData(id selection.TransferID, target string) error {
	d.mu.Lock()
	items := d.snaps[id]
	d.mu.Unlock()
	for _, it := range items {
		if it.MIME == target {
			d.post(engine.DataReply{ID: id, Target: target, Data: it.Data, OK: true})
			return nil
		}
	}
	d.post(engine.DataReply{ID: id, Target: target})
	return nil
}

func (d *Display) CloseTransfer(id selection.TransferID, _ bool) {
	d.mu.Lock()
	delete(d.snaps, id)
	d.mu.Unlock()
}

// Stage sets the item the next Claim writes.
func (d *Display) Stage(it history.Item) {
	d.mu.Lock()
	d.staged = &it
	d.mu.Unlock()
}

// Claim writes the staged item and confirms ownership immediately.
func (d *Display) Claim() error {
	d.mu.Lock()
	it := d.staged
	d.mu.Unlock()
	if it == nil {
		return errors.New("clip: nothing staged to claim")
	}
	if err := d.b.Write(it.MIME, it.Payload); err != nil {
		return err
	}
	d.mu.Lock()
	d.written = it.Payload
	d.owned = true
	d.mu.Unlock()
	d.post(engine.OwnerChanged{Owner: ourWindow, Ours: true, Time: uint32(time.Now().UnixMilli())})
	return nil
}

// Disown forgets our claim; the written content stays on the clipboard.
func (d *Display) Disown(uint32) error {
	d.mu.Lock()
	d.owned = false
	d.mu.Unlock()
	return nil
}

func (d *Display) SendTargets(selection.Request, []string) error { return errNotServing }
func (d *Display) SendTimestamp(selection.Request, uint32) error { return errNotServing }
func (d *Display) SendData(selection.Request, []byte) error      { return errNotServing }
func (d *Display) SendIncr(selection.Request, int) error         { return errNotServing }
func (d *Display) SendChunk(selection.Request, []byte) error     { return errNotServing }

// FocusedWindow returns a placeholder; injection is unavailable.
func (d *Display) FocusedWindow() (selection.Window, error) { return focusWindow, nil }

func (d *Display) AppIdentity(selection.Window) (string, string, error) { return "", "", nil }

func (d *Display) Inject(selection.Window, paste.Stroke) error { return ErrNoInjection }
