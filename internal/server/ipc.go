package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/hub"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/selection"
	"go.klb.dev/clipkeep/internal/wire"
)

const (
	requestTimeout = 10 * time.Second
	watchBuffer    = 64
)

func (s *Server) accept(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ipc accept: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	wc := wire.New(conn)
	defer wc.Close()

	wc.SetReadDeadline(requestTimeout)
	msg, err := wc.ReadMsg()
	if err != nil {
		s.log.Debug("ipc: bad request", "err", err)
		return
	}
	wc.SetReadDeadline(0)

	var reply *message.Message
	switch msg.Type {
	case message.TypePaste:
		reply = s.handlePaste(ctx, msg)
	case message.TypeCopy:
		reply = s.handleCopy(ctx, msg)
	case message.TypeStatus:
		reply = s.handleStatus(ctx)
	case message.TypeWatch:
		s.handleWatch(ctx, wc, msg)
		return
	default:
		reply = message.Errorf("unknown request %q", msg.Type)
	}
	if err := wc.WriteMsg(reply); err != nil {
		s.log.Debug("ipc: reply failed", "err", err)
	}
}

// await waits for the loop to report an outcome.
func await(ctx context.Context, res <-chan error) error {
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return fmt.Errorf("server stopping: %w", ctx.Err())
	}
}

func (s *Server) handlePaste(ctx context.Context, msg *message.Message) *message.Message {
	it, err := s.store.Get(msg.ID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return message.Errorf("item %d not found", msg.ID)
		}
		return message.Errorf("item %d: %v", msg.ID, err)
	}
	res := make(chan error, 1)
	w := selection.Window(msg.Window)
	if err := s.do(ctx, func() { s.paste(it, w, func(err error) { res <- err }) }); err != nil {
		return message.Errorf("%v", err)
	}
	if err := await(ctx, res); err != nil {
		return message.Errorf("paste %d: %v", it.ID, err)
	}
	return &message.Message{Type: message.TypeOK, ID: it.ID}
}

func (s *Server) handleCopy(ctx context.Context, msg *message.Message) *message.Message {
	if len(msg.Items) == 0 {
		return message.Errorf("copy: no items")
	}
	mi := msg.Items[0]
	data, err := mi.Decode()
	if err != nil {
		return message.Errorf("copy: %v", err)
	}
	if len(data) == 0 {
		return message.Errorf("copy: empty payload")
	}
	if limit := s.cfg.Engine.Capture.MaxSize; limit > 0 && len(data) > limit {
		return message.Errorf("copy: %d bytes exceeds the %d byte limit", len(data), limit)
	}
	mime := mi.MIME
	if mime == "" {
		mime = "UTF8_STRING"
	}
	if !s.cfg.Engine.Capture.Registry.Accepts(mime) {
		return message.Errorf("copy: format %q is not stored by this server", mime)
	}
	it, err := s.appendSync(ctx, history.Item{
		Channel:   s.ch,
		CreatedAt: s.opts.Now(),
		Kind:      format.KindOf(mime),
		MIME:      mime,
		Payload:   data,
		Metadata:  map[string]string{history.MetaOrigin: "copy"},
	})
	if err != nil {
		return message.Errorf("copy: %v", err)
	}
	res := make(chan error, 1)
	if err := s.do(ctx, func() { s.claim(it, func(err error) { res <- err }) }); err != nil {
		return message.Errorf("%v", err)
	}
	if err := await(ctx, res); err != nil {
		reply := message.Errorf("item %d stored but not claimed: %v", it.ID, err)
		reply.ID = it.ID
		return reply
	}
	return &message.Message{Type: message.TypeOK, ID: it.ID}
}

func (s *Server) handleStatus(ctx context.Context) *message.Message {
	st := &message.StatusInfo{
		Channel:   string(s.ch),
		Backend:   s.opts.Backend,
		StartedAt: s.started,
		Watchers:  s.hub.Len(),
	}
	err := s.do(ctx, func() {
		st.State = s.eng.State().String()
		if it, ok := s.eng.Served(); ok {
			st.Served = itemInfo(hub.EventOf(it))
		}
		st.PendingCaptures = s.eng.PendingCaptures()
		st.ActiveServes = s.eng.ActiveServes()
	})
	if err != nil {
		return message.Errorf("%v", err)
	}
	stats, err := s.store.Stats()
	if err != nil {
		return message.Errorf("store stats: %v", err)
	}
	st.LastID = stats.LastID
	st.StoreItems = make(map[string]int, len(stats.Items))
	for ch, n := range stats.Items {
		st.StoreItems[string(ch)] = n
	}
	st.StoreBytes = make(map[string]int64, len(stats.Bytes))
	for ch, n := range stats.Bytes {
		st.StoreBytes[string(ch)] = n
	}
	return &message.Message{Type: message.TypeStatusResponse, Status: st}
}

func itemInfo(ev hub.Event) *message.ItemInfo {
	return &message.ItemInfo{
		ID:        ev.ID,
		Channel:   string(ev.Channel),
		Kind:      string(ev.Kind),
		MIME:      ev.MIME,
		Size:      ev.Size,
		CreatedAt: ev.CreatedAt,
	}
}

// watcher is a hub.Peer backed by one WATCH connection.
type watcher struct {
	id     string
	filter hub.Filter
	out    chan hub.Event
	s      *Server
}

func (w *watcher) ID() string         { return w.id }
func (w *watcher) Filter() hub.Filter { return w.filter }

func (w *watcher) Send(ev hub.Event) {
	select {
	case w.out <- ev:
	default:
		w.s.log.Warn("watcher too slow, dropping event", "peer", w.id, "item", ev.ID)
	}
}

func (s *Server) handleWatch(ctx context.Context, wc *wire.Conn, msg *message.Message) {
	f := hub.Filter{Channel: s.ch}
	for _, k := range msg.Kinds {
		kind, err := format.ParseKind(k)
		if err != nil {
			_ = wc.WriteMsg(message.Errorf("watch: %v", err))
			return
		}
		f.Kinds = append(f.Kinds, kind)
	}
	w := &watcher{id: "watch:" + uuid.NewString(), filter: f, out: make(chan hub.Event, watchBuffer), s: s}
	s.hub.Register(w)
	defer s.hub.Unregister(w)

	// The client sends nothing more; a read returns once it hangs up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, err := wc.ReadMsg(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case ev := <-w.out:
			if err := wc.WriteMsg(&message.Message{Type: message.TypeItem, ID: ev.ID, Info: itemInfo(ev)}); err != nil {
				return
			}
		}
	}
}
