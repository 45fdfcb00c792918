// Package capture pulls the content of a foreign selection owner into
// history. Every step is a continuation: the windowing-system adapter calls
// back into the Pipeline as replies arrive, and nothing here blocks.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/selection"
)

// ErrTransferFailed is the reason logged for an abandoned capture. It is never
// returned to users.
var ErrTransferFailed = errors.New("capture: transfer failed")

// Transport issues the requests of a capture. Each transfer runs on its own
// requestor so replies can be told apart; CloseTransfer returns it to the
// pool, or retires it when reuse is false.
type Transport interface {
	NewTransfer() (selection.TransferID, error)
	RequestTargets(id selection.TransferID) error
	RequestData(id selection.TransferID, target string) error
	CloseTransfer(id selection.TransferID, reuse bool)
}

// Oversize is the policy for payloads over the configured ceiling.
type Oversize string

const (
	Reject   Oversize = "reject"
	Truncate Oversize = "truncate"
)

// ParseOversize accepts an oversize policy name.
func ParseOversize(s string) (Oversize, error) {
	switch o := Oversize(s); o {
	case Reject, Truncate:
		return o, nil
	case "":
		return Reject, nil
	}
	return "", fmt.Errorf("unknown oversize policy %q (want reject or truncate)", s)
}

// Config tunes a Pipeline.
type Config struct {
	Registry *format.Registry
	// MaxSize caps a payload in bytes; zero means unlimited.
	MaxSize  int
	Oversize Oversize
	// Timeout bounds the wait for each reply from the owner.
	Timeout time.Duration
	Now     func() time.Time
}

type phase int

const (
	phaseTargets phase = iota
	phaseData
	phaseIncr
)

type transfer struct {
	id       selection.TransferID
	owner    selection.Window
	app      string
	phase    phase
	pending  []string
	target   string
	buf      []byte
	trunc    bool
	deadline time.Time

	done   bool
	result *history.Item
}

// Pipeline runs the captures of one channel. Completed captures are handed to
// the emit callback in the order they were started, so history order follows
// ownership-change order even when a later owner answers first.
type Pipeline struct {
	ch    selection.Channel
	tr    Transport
	cfg   Config
	emit  func(history.Item)
	byID  map[selection.TransferID]*transfer
	order []*transfer
	log   *slog.Logger
}

// New returns a Pipeline for ch delivering finished items to emit.
func New(ch selection.Channel, tr Transport, cfg Config, emit func(history.Item)) *Pipeline {
	if cfg.Registry == nil {
		cfg.Registry = format.Default()
	}
	if cfg.Oversize == "" {
		cfg.Oversize = Reject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		ch:   ch,
		tr:   tr,
		cfg:  cfg,
		emit: emit,
		byID: make(map[selection.TransferID]*transfer),
		log:  slog.Default().With("selection", ch),
	}
}

// Start begins capturing from owner. app is the owner's application hint, or
// empty.
func (p *Pipeline) Start(owner selection.Window, app string) {
	id, err := p.tr.NewTransfer()
	if err != nil {
		p.log.Warn("capture not started", "owner", owner, "err", fmt.Errorf("%w: %w", ErrTransferFailed, err))
		return
	}
	t := &transfer{id: id, owner: owner, app: app, phase: phaseTargets}
	p.byID[id] = t
	p.order = append(p.order, t)
	p.touch(t)
	p.log.Debug("capture started", "transfer", id, "owner", owner, "app", app)
	if err := p.tr.RequestTargets(id); err != nil {
		p.fail(t, true, "request targets", err)
	}
}

// Targets delivers the owner's TARGETS reply. ok is false when the owner
// refused the conversion.
func (p *Pipeline) Targets(id selection.TransferID, targets []string, ok bool) {
	t := p.lookup(id, phaseTargets)
	if t == nil {
		return
	}
	if !ok {
		p.fail(t, true, "targets refused", nil)
		return
	}
	ranked, sensitive := p.cfg.Registry.Rank(targets)
	if sensitive {
		p.log.Debug("capture skipped: owner flagged content as a password", "transfer", id)
		p.finish(t, true, nil)
		return
	}
	if len(ranked) == 0 {
		p.fail(t, true, "no usable format", fmt.Errorf("offered %v", targets))
		return
	}
	t.pending = ranked
	p.next(t)
}

// Data delivers the reply to a data request. incr reports that the owner
// started an incremental transfer; its content then arrives through Chunk.
func (p *Pipeline) Data(id selection.TransferID, target string, data []byte, incr, ok bool) {
	t := p.lookup(id, phaseData)
	if t == nil {
		return
	}
	if target != t.target {
		p.log.Debug("capture reply for another target, ignoring", "transfer", id, "want", t.target, "got", target)
		return
	}
	switch {
	case !ok:
		p.log.Debug("owner refused format, trying next", "transfer", id, "target", target)
		p.next(t)
	case incr:
		t.phase = phaseIncr
		t.buf = nil
		p.touch(t)
	case len(data) == 0:
		p.log.Debug("owner sent empty data, trying next", "transfer", id, "target", target)
		p.next(t)
	default:
		if !p.accumulate(t, data) {
			return
		}
		p.complete(t)
	}
}

// Chunk delivers one piece of an incremental transfer. An empty chunk ends it.
func (p *Pipeline) Chunk(id selection.TransferID, data []byte) {
	t := p.lookup(id, phaseIncr)
	if t == nil {
		return
	}
	if len(data) == 0 {
		if len(t.buf) == 0 {
			p.next(t)
			return
		}
		p.complete(t)
		return
	}
	if !p.accumulate(t, data) {
		return
	}
	p.touch(t)
	if t.trunc {
		// The owner is still sending; its window cannot be reused.
		p.completeWith(t, false)
	}
}

// accumulate appends data under the size ceiling. It returns false when the
// transfer was abandoned.
func (p *Pipeline) accumulate(t *transfer, data []byte) bool {
	limit := p.cfg.MaxSize
	if limit <= 0 || len(t.buf)+len(data) <= limit {
		t.buf = append(t.buf, data...)
		return true
	}
	if p.cfg.Oversize == Truncate {
		t.buf = append(t.buf, data[:limit-len(t.buf)]...)
		t.trunc = true
		return true
	}
	p.fail(t, t.phase != phaseIncr, "payload too large", fmt.Errorf("over %d bytes", limit))
	return false
}

// next requests the best remaining candidate, or gives up.
func (p *Pipeline) next(t *transfer) {
	for len(t.pending) > 0 {
		t.target, t.pending = t.pending[0], t.pending[1:]
		t.phase = phaseData
		t.buf = nil
		p.touch(t)
		err := p.tr.RequestData(t.id, t.target)
		if err == nil {
			return
		}
		p.log.Debug("data request failed", "transfer", t.id, "target", t.target, "err", err)
	}
	p.fail(t, true, "no format could be transferred", nil)
}

func (p *Pipeline) complete(t *transfer) { p.completeWith(t, true) }

func (p *Pipeline) completeWith(t *transfer, reuse bool) {
	it := history.Item{
		Channel:   p.ch,
		CreatedAt: p.cfg.Now(),
		Kind:      format.KindOf(t.target),
		MIME:      t.target,
		Payload:   t.buf,
	}
	meta := map[string]string{
		history.MetaOwner: strconv.FormatUint(uint64(t.owner), 10),
	}
	if t.app != "" {
		meta[history.MetaSourceApp] = t.app
	}
	if t.trunc {
		meta[history.MetaTruncated] = strconv.FormatBool(true)
	}
	it.Metadata = meta
	p.log.Debug("capture complete", "transfer", t.id, "target", t.target, "bytes", len(t.buf), "truncated", t.trunc)
	p.finish(t, reuse, &it)
}

func (p *Pipeline) fail(t *transfer, reuse bool, reason string, err error) {
	if err == nil {
		err = errors.New(reason)
	} else {
		err = fmt.Errorf("%s: %w", reason, err)
	}
	p.log.Warn("capture discarded", "transfer", t.id, "owner", t.owner, "err", fmt.Errorf("%w: %w", ErrTransferFailed, err))
	p.finish(t, reuse, nil)
}

func (p *Pipeline) finish(t *transfer, reuse bool, result *history.Item) {
	t.done = true
	t.result = result
	t.buf = nil
	delete(p.byID, t.id)
	p.tr.CloseTransfer(t.id, reuse)
	p.flush()
}

// flush emits the finished prefix of the start order.
func (p *Pipeline) flush() {
	n := 0
	for _, t := range p.order {
		if !t.done {
			break
		}
		if t.result != nil {
			p.emit(*t.result)
		}
		n++
	}
	clear(p.order[:n])
	p.order = p.order[n:]
}

func (p *Pipeline) lookup(id selection.TransferID, want phase) *transfer {
	t := p.byID[id]
	if t == nil {
		p.log.Debug("reply for unknown transfer", "transfer", id)
		return nil
	}
	if t.phase != want {
		p.log.Debug("unexpected reply for transfer", "transfer", id, "phase", t.phase)
		return nil
	}
	return t
}

func (p *Pipeline) touch(t *transfer) { t.deadline = p.cfg.Now().Add(p.cfg.Timeout) }

// Expire abandons every transfer whose owner has been silent past its deadline.
// The transfer's requestor is retired so late replies go nowhere.
func (p *Pipeline) Expire(now time.Time) {
	var stalled []*transfer
	for _, t := range p.order {
		if !t.done && now.After(t.deadline) {
			stalled = append(stalled, t)
		}
	}
	for _, t := range stalled {
		p.fail(t, false, "owner stalled", fmt.Errorf("no reply within %s", p.cfg.Timeout))
	}
}

// Pending returns the number of captures in flight.
func (p *Pipeline) Pending() int { return len(p.byID) }
