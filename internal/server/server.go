// Package server runs one selection channel: a single-threaded loop that
// feeds windowing-system events to the engine, a writer goroutine that owns
// every store mutation, and the local control socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"go.klb.dev/clipkeep/internal/config"
	"go.klb.dev/clipkeep/internal/engine"
	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/hub"
	"go.klb.dev/clipkeep/internal/paste"
	"go.klb.dev/clipkeep/internal/selection"
)

// ErrDisplayClosed is returned by Run when the display connection ends
// before the context.
var ErrDisplayClosed = errors.New("server: display connection closed")

// Display is the windowing-system side of one channel.
type Display interface {
	engine.Conn
	paste.Injector
	// MaxChunk is the largest payload one request can carry.
	MaxChunk() int
	// CurrentOwner returns the selection owner if it is not us.
	CurrentOwner() (selection.Window, string, error)
	Events() <-chan engine.Event
	Run(ctx context.Context) error
}

// Stager is implemented by displays that cannot answer conversion requests
// themselves and need the claimed item before Claim is called.
type Stager interface {
	Stage(history.Item)
}

// Options tunes a Server.
type Options struct {
	// Backend names the display for STATUS.
	Backend string
	// Listener accepts control connections; nil disables them.
	Listener net.Listener
	// Tick is how often pending timeouts are checked.
	Tick time.Duration
	Now  func() time.Time
}

const (
	defaultTick = 100 * time.Millisecond
	opQueue     = 256
)

// Server is one running channel.
type Server struct {
	ch     selection.Channel
	cfg    config.Server
	opts   Options
	disp   Display
	store  history.Store
	eng    *engine.Engine
	paster *paste.Paster
	hub    *hub.Hub
	log    *slog.Logger

	cmds    chan func()
	ops     chan storeOp
	started time.Time

	// loop only
	served uint64
	// writer only
	prev lastAppend
}

// New builds a Server. It does not take ownership of disp or store.
func New(disp Display, store history.Store, cfg config.Server, opts Options) *Server {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ec := cfg.Engine
	if ec.Now == nil {
		ec.Now = opts.Now
	}
	if ec.Capture.Registry == nil {
		ec.Capture.Registry = format.Default()
	}
	if ec.ChunkSize <= 0 {
		ec.ChunkSize = engine.DefaultChunkSize
	}
	if m := disp.MaxChunk(); m > 0 && ec.ChunkSize > m {
		ec.ChunkSize = m
	}
	cfg.Engine = ec
	s := &Server{
		ch:      cfg.Channel,
		cfg:     cfg,
		opts:    opts,
		disp:    disp,
		store:   store,
		paster:  paste.New(cfg.Channel, cfg.Keymap, disp),
		hub:     hub.New(),
		log:     slog.Default().With("selection", cfg.Channel),
		cmds:    make(chan func()),
		ops:     make(chan storeOp, opQueue),
		started: opts.Now(),
	}
	s.eng = engine.New(cfg.Channel, disp, ec, s.captured)
	return s
}

// Run serves until ctx is done or the display connection is lost.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.disp.Run(ctx) })
	g.Go(func() error { return s.writer(ctx) })
	g.Go(func() error { return s.loop(ctx) })
	if ln := s.opts.Listener; ln != nil {
		stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
		defer stop()
		g.Go(func() error { return s.accept(ctx, ln) })
	}
	s.log.Info("server running", "backend", s.opts.Backend, "store", s.cfg.Store.Backend,
		"formats", s.cfg.Engine.Capture.Registry.Priority())
	return g.Wait()
}

func (s *Server) loop(ctx context.Context) error {
	s.prime()
	t := time.NewTicker(s.opts.Tick)
	defer t.Stop()
	events := s.disp.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDisplayClosed
			}
			s.eng.Handle(ev)
		case <-t.C:
			s.eng.Handle(engine.Tick{Now: s.opts.Now()})
		case fn := <-s.cmds:
			fn()
		}
		s.syncServed()
	}
}

// prime captures whatever a foreign owner held before we started.
func (s *Server) prime() {
	owner, app, err := s.disp.CurrentOwner()
	if err != nil {
		s.log.Warn("selection owner query failed", "err", err)
		return
	}
	if owner != selection.None {
		s.log.Debug("capturing existing selection", "owner", owner, "app", app)
		s.eng.Capture(owner, app)
	}
}

// do runs fn on the loop and waits for it to return.
func (s *Server) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-ctx.Done():
		return fmt.Errorf("server stopping: %w", ctx.Err())
	}
	<-ran
	return nil
}

// syncServed keeps the served item pinned for as long as it is served.
func (s *Server) syncServed() {
	var cur uint64
	if it, ok := s.eng.Served(); ok {
		cur = it.ID
	}
	if cur == s.served {
		return
	}
	if s.served != 0 {
		s.unpin(s.served)
	}
	if cur != 0 {
		s.pin(cur)
	}
	s.served = cur
}

func (s *Server) stage(it history.Item) {
	if st, ok := s.disp.(Stager); ok {
		st.Stage(it)
	}
}

// claim makes it the served item. Runs on the loop.
func (s *Server) claim(it history.Item, done func(error)) {
	s.pin(it.ID)
	s.stage(it)
	s.eng.Claim(it, func(err error) {
		s.unpin(it.ID)
		done(err)
	})
}

// paste claims it and injects the paste gesture into w. Runs on the loop.
func (s *Server) paste(it history.Item, w selection.Window, done func(error)) {
	s.pin(it.ID)
	s.stage(it)
	s.paster.Paste(s.eng, it, w, func(err error) {
		s.unpin(it.ID)
		done(err)
	})
}
