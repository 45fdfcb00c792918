// Package paste replays a history item into the focused window: it claims the
// selection with the item and, only once the claim is confirmed, synthesizes
// the paste gesture configured for the focused application.
package paste

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/selection"
)

// ErrNoTarget is returned when no window has input focus.
var ErrNoTarget = errors.New("paste: no focused window")

// Default gestures per channel.
var (
	DefaultClipboard = []string{"ctrl+v"}
	DefaultPrimary   = []string{"button2"}
)

// DefaultKeys returns the default paste gesture for ch.
func DefaultKeys(ch selection.Channel) []string {
	if ch == selection.Primary {
		return DefaultPrimary
	}
	return DefaultClipboard
}

// Keymap maps application identities to paste gestures.
type Keymap struct {
	Default []Stroke
	// Apps is keyed by lower-cased WM_CLASS instance or class name.
	Apps map[string][]Stroke
}

// NewKeymap parses a default sequence and per-application overrides.
func NewKeymap(def []string, apps map[string][]string) (Keymap, error) {
	d, err := ParseSequence(def)
	if err != nil {
		return Keymap{}, fmt.Errorf("default paste keys: %w", err)
	}
	k := Keymap{Default: d, Apps: make(map[string][]Stroke, len(apps))}
	for app, specs := range apps {
		seq, err := ParseSequence(specs)
		if err != nil {
			return Keymap{}, fmt.Errorf("paste keys for %q: %w", app, err)
		}
		k.Apps[strings.ToLower(app)] = seq
	}
	return k, nil
}

// Resolve returns the gesture for an application, matching the instance name
// before the class name. match is the key that matched, or empty for the
// default.
func (k Keymap) Resolve(instance, class string) (seq []Stroke, match string) {
	for _, id := range []string{instance, class} {
		id = strings.ToLower(id)
		if id == "" {
			continue
		}
		if s, ok := k.Apps[id]; ok {
			return s, id
		}
	}
	return k.Default, ""
}

// Injector is the windowing-system side of a paste.
type Injector interface {
	FocusedWindow() (selection.Window, error)
	// AppIdentity returns the WM_CLASS instance and class of w or its nearest
	// ancestor that has one.
	AppIdentity(w selection.Window) (instance, class string, err error)
	Inject(w selection.Window, s Stroke) error
}

// Claimer is the engine side of a paste.
type Claimer interface {
	Claim(item history.Item, done func(error))
}

// Paster performs pastes for one channel.
type Paster struct {
	ch     selection.Channel
	keymap Keymap
	inj    Injector
	log    *slog.Logger
}

// New returns a Paster.
func New(ch selection.Channel, keymap Keymap, inj Injector) *Paster {
	return &Paster{ch: ch, keymap: keymap, inj: inj, log: slog.Default().With("selection", ch)}
}

// Target is a resolved paste destination.
type Target struct {
	Window   selection.Window
	Instance string
	Class    string
	Keys     []Stroke
}

// Resolve picks the destination window (the focused one when w is None) and
// its gesture.
func (p *Paster) Resolve(w selection.Window) (Target, error) {
	if w == selection.None {
		var err error
		if w, err = p.inj.FocusedWindow(); err != nil {
			return Target{}, fmt.Errorf("query focus: %w", err)
		}
		if w == selection.None {
			return Target{}, ErrNoTarget
		}
	}
	t := Target{Window: w}
	inst, class, err := p.inj.AppIdentity(w)
	if err != nil {
		p.log.Debug("no application identity, using default paste keys", "window", w, "err", err)
	}
	t.Instance, t.Class = inst, class
	t.Keys, _ = p.keymap.Resolve(inst, class)
	return t, nil
}

// Paste claims the selection with item and injects the gesture into w (the
// focused window when None). Keys are never sent unless the claim is
// confirmed. done receives the outcome.
func (p *Paster) Paste(c Claimer, item history.Item, w selection.Window, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	t, err := p.Resolve(w)
	if err != nil {
		done(err)
		return
	}
	log := p.log.With("item", item.ID, "window", t.Window, "app", t.Instance)
	if item.Channel != p.ch {
		log.Debug("pasting item captured on another channel", "from", item.Channel)
	}
	c.Claim(item, func(err error) {
		if err != nil {
			log.Warn("paste aborted", "err", err)
			done(err)
			return
		}
		for _, s := range t.Keys {
			if err := p.inj.Inject(t.Window, s); err != nil {
				log.Warn("paste injection failed", "stroke", s, "err", err)
				done(fmt.Errorf("inject %s: %w", s, err))
				return
			}
		}
		log.Info("pasted", "keys", t.Keys)
		done(nil)
	})
}
