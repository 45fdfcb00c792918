package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/hub"
)

type opKind int

const (
	opAppend opKind = iota
	opPin
	opUnpin
)

// storeOp is one store mutation. All of them run on the writer goroutine in
// queue order, so appends land in capture order and the loop never waits on
// the disk.
type storeOp struct {
	kind opKind
	item history.Item
	id   uint64
	done chan<- appended
}

type appended struct {
	item history.Item
	err  error
}

// captured is the engine's emit callback. Runs on the loop.
func (s *Server) captured(it history.Item) {
	if it.Metadata == nil {
		it.Metadata = map[string]string{}
	}
	it.Metadata[history.MetaOrigin] = "capture"
	s.enqueue(storeOp{kind: opAppend, item: it})
}

func (s *Server) pin(id uint64)   { s.enqueue(storeOp{kind: opPin, id: id}) }
func (s *Server) unpin(id uint64) { s.enqueue(storeOp{kind: opUnpin, id: id}) }

func (s *Server) enqueue(op storeOp) {
	select {
	case s.ops <- op:
	default:
		s.log.Warn("store queue full, dropping", "op", op.kind, "err", history.ErrWriteFailed)
	}
}

// appendSync queues it behind pending captures and waits for the result.
func (s *Server) appendSync(ctx context.Context, it history.Item) (history.Item, error) {
	done := make(chan appended, 1)
	select {
	case s.ops <- storeOp{kind: opAppend, item: it, done: done}:
	case <-ctx.Done():
		return history.Item{}, ctx.Err()
	}
	select {
	case r := <-done:
		return r.item, r.err
	case <-ctx.Done():
		return history.Item{}, ctx.Err()
	}
}

func (s *Server) writer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-s.ops:
			switch op.kind {
			case opPin:
				s.store.Pin(op.id)
			case opUnpin:
				s.store.Unpin(op.id)
			case opAppend:
				it, err := s.append(op.item)
				if op.done != nil {
					op.done <- appended{item: it, err: err}
				}
			}
		}
	}
}

// mergeWindow is how soon after the previous capture a same-owner text
// capture may replace it.
const mergeWindow = time.Second

// lastAppend is the writer's memory of the item it stored last.
type lastAppend struct {
	id    uint64
	owner string
	at    time.Time
	// seen is set when the item repeated an older one; such items are never
	// merged away.
	seen bool
}

// append stores it and returns the stored item. With dedupe, content equal
// to the channel's newest item returns that item instead, and content equal
// to an older item is stored again as the newest while the old copy is
// removed. With merge, a text capture that extends or shrinks the previous
// one from the same owner replaces it.
func (s *Server) append(it history.Item) (history.Item, error) {
	it.Digest = history.Digest(it.Payload)
	now := s.opts.Now()

	var drop []uint64
	if id, ok := s.mergeable(it, now); ok {
		drop = append(drop, id)
	}
	seen := false
	if s.cfg.Dedupe {
		old, err := s.store.Find(it.Channel, it.MIME, it.Payload)
		switch {
		case err == nil:
			if last, lerr := s.store.Latest(it.Channel); lerr == nil && last.ID == old.ID {
				s.log.Debug("duplicate skipped", "of", old.ID, "mime", it.MIME)
				s.prev = lastAppend{id: old.ID, owner: it.Metadata[history.MetaOwner], at: now, seen: true}
				return old, nil
			}
			drop = append(drop, old.ID)
			seen = true
		case !errors.Is(err, history.ErrNotFound):
			s.log.Warn("duplicate lookup failed", "mime", it.MIME, "err", err)
		}
	}

	id, err := s.store.Append(it)
	if err != nil {
		s.log.Warn("append failed, item dropped", "mime", it.MIME, "bytes", it.Size(), "err", err)
		return history.Item{}, fmt.Errorf("append: %w", err)
	}
	it.ID = id
	s.prev = lastAppend{id: id, owner: it.Metadata[history.MetaOwner], at: now, seen: seen}
	if len(drop) > 0 {
		removed, err := s.store.Remove(drop...)
		if err != nil {
			s.log.Warn("superseded items not removed", "ids", drop, "by", id, "err", err)
		} else if len(removed) > 0 {
			s.log.Debug("superseded items removed", "ids", removed, "by", id)
		}
	}
	s.hub.Publish(hub.EventOf(it))
	hub.LogItem("item appended", it)
	return it, nil
}

// mergeable returns the id of the previous item when it should be replaced
// by it.
func (s *Server) mergeable(it history.Item, now time.Time) (uint64, bool) {
	p := s.prev
	owner := it.Metadata[history.MetaOwner]
	if !s.cfg.Merge || p.id == 0 || p.seen || owner == "" || owner != p.owner ||
		now.Sub(p.at) >= mergeWindow || it.Kind != format.Text {
		return 0, false
	}
	last, err := s.store.Latest(it.Channel)
	if err != nil || last.ID != p.id || last.MIME != it.MIME {
		return 0, false
	}
	if !bytes.Contains(it.Payload, last.Payload) && !bytes.Contains(last.Payload, it.Payload) {
		return 0, false
	}
	return last.ID, true
}
