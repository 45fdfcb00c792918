// Package hub fans newly appended history items out to subscribers (IPC
// watch connections). It is transport-agnostic: peers register, receive
// events via Send, and the server publishes each item once it is durable.
package hub

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/selection"
)

// Event is an item announcement delivered to a peer. It never carries the
// payload; watchers fetch it from the store if they want it.
type Event struct {
	ID        uint64
	Channel   selection.Channel
	Kind      format.Kind
	MIME      string
	Size      int
	CreatedAt time.Time
}

// EventOf summarises it.
func EventOf(it history.Item) Event {
	return Event{
		ID:        it.ID,
		Channel:   it.Channel,
		Kind:      it.Kind,
		MIME:      it.MIME,
		Size:      it.Size(),
		CreatedAt: it.CreatedAt,
	}
}

// Filter describes what a peer wants. Zero fields match everything.
type Filter struct {
	Channel selection.Channel
	Kinds   []format.Kind
}

func (f Filter) match(ev Event) bool {
	if f.Channel != "" && f.Channel != ev.Channel {
		return false
	}
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, ev.Kind)
}

// Peer is anything that can receive events from the hub.
type Peer interface {
	ID() string
	Filter() Filter
	// Send delivers an event to the peer. Must be non-blocking.
	Send(Event)
}

// Hub routes item events to all registered peers.
type Hub struct {
	mu     sync.RWMutex
	peers  map[string]Peer
	latest map[selection.Channel]Event
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{
		peers:  make(map[string]Peer),
		latest: make(map[selection.Channel]Event),
	}
}

// Register adds a peer and immediately delivers the latest matching event, so
// a new watcher learns the current head of history.
func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	f := p.Filter()
	var head []Event
	for _, ev := range h.latest {
		if f.match(ev) {
			head = append(head, ev)
		}
	}
	total := len(h.peers)
	h.mu.Unlock()

	slog.Debug("watcher registered", "peer", p.ID(), "filter_channel", f.Channel, "total", total)

	slices.SortFunc(head, func(a, b Event) int { return cmp.Compare(a.ID, b.ID) })
	for _, ev := range head {
		p.Send(ev)
	}
}

// Unregister removes a peer from the hub.
func (h *Hub) Unregister(p Peer) {
	h.mu.Lock()
	delete(h.peers, p.ID())
	total := len(h.peers)
	h.mu.Unlock()

	slog.Debug("watcher unregistered", "peer", p.ID(), "total", total)
}

// Publish records ev as the latest of its channel and fans it out to every
// matching peer.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	if cur, ok := h.latest[ev.Channel]; !ok || ev.ID > cur.ID {
		h.latest[ev.Channel] = ev
	}
	var targets []Peer
	for _, p := range h.peers {
		if p.Filter().match(ev) {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		p.Send(ev)
	}
}

// Len returns the number of registered peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
