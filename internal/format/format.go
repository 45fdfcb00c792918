// Package format is the registry of selection targets clipkeep is willing to
// capture, and the order in which it prefers them when an owner offers more
// than one.
package format

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Kind is the closed set of content types a captured item can have.
type Kind string

const (
	Text     Kind = "text"
	RichText Kind = "rich-text"
	Image    Kind = "image"
	Files    Kind = "files"
	Other    Kind = "other"
)

// Kinds lists every kind.
var Kinds = []Kind{Image, Files, Text, RichText, Other}

// DefaultPriority prefers the richest representation an owner offers: an
// image over a file list over plain text over markup.
var DefaultPriority = []Kind{Image, Files, Text, RichText, Other}

// PasswordHint is advertised by password managers that do not want their
// selections recorded.
const PasswordHint = "x-kde-passwordManagerHint"

// ParseKind accepts a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Kinds, k) {
		return k, nil
	}
	return "", fmt.Errorf("unknown format kind %q", s)
}

// special targets carry protocol meaning or side effects and are never
// captured as content.
var special = map[string]struct{}{
	"TIMESTAMP":        {},
	"TARGETS":          {},
	"SAVE_TARGETS":     {},
	"MULTIPLE":         {},
	"DELETE":           {},
	"INSERT_SELECTION": {},
	"INSERT_PROPERTY":  {},
}

// IsSpecial reports whether target is a protocol target rather than content.
func IsSpecial(target string) bool {
	_, ok := special[target]
	return ok
}

// Plain-text targets, lowest preference first.
var textOrder = []string{
	"text/plain;charset=us-ascii",
	"text/plain;charset=unicode",
	"text",
	"string",
	"text/plain",
	"text/plain;charset=utf-8",
	"utf8_string",
}

// Image targets, lowest preference first. Other image/* types score below all.
var imageOrder = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/svg+xml",
}

var filesOrder = []string{
	"x-special/gnome-copied-files",
	"text/uri-list",
}

var richOrder = []string{
	"text/richtext",
	"application/rtf",
	"text/rtf",
	"text/html",
}

func normalize(target string) string {
	return strings.ToLower(strings.ReplaceAll(target, " ", ""))
}

// Classify maps a target name to its kind and a preference score within that
// kind (higher is better). ok is false for targets that are never captured.
func Classify(target string) (kind Kind, score int, ok bool) {
	if target == "" || IsSpecial(target) || target == PasswordHint {
		return "", 0, false
	}
	n := normalize(target)
	if i := slices.Index(textOrder, n); i >= 0 {
		return Text, i + 1, true
	}
	if strings.HasPrefix(n, "image/") {
		return Image, slices.Index(imageOrder, n) + 1, true
	}
	if i := slices.Index(filesOrder, n); i >= 0 {
		return Files, i + 1, true
	}
	if i := slices.Index(richOrder, n); i >= 0 {
		return RichText, i + 1, true
	}
	// Anything else is kept only if it looks like a MIME type; bare atoms are
	// usually toolkit-private.
	if strings.Contains(n, "/") {
		return Other, 0, true
	}
	return "", 0, false
}

// KindOf returns the kind of target, or Other when it is not classifiable.
func KindOf(target string) Kind {
	if k, _, ok := Classify(target); ok {
		return k
	}
	return Other
}

// Registry ranks offered targets according to a kind priority.
type Registry struct {
	priority []Kind
	rank     map[Kind]int
}

// NewRegistry returns a registry accepting only the kinds in priority, most
// preferred first. An empty priority means DefaultPriority.
func NewRegistry(priority []Kind) (*Registry, error) {
	if len(priority) == 0 {
		priority = DefaultPriority
	}
	r := &Registry{rank: make(map[Kind]int, len(priority))}
	for i, k := range priority {
		if !slices.Contains(Kinds, k) {
			return nil, fmt.Errorf("unknown format kind %q", k)
		}
		if _, dup := r.rank[k]; dup {
			return nil, fmt.Errorf("format kind %q listed twice", k)
		}
		r.rank[k] = i
		r.priority = append(r.priority, k)
	}
	return r, nil
}

// Default returns a registry using DefaultPriority.
func Default() *Registry {
	r, _ := NewRegistry(nil)
	return r
}

// Priority returns the kinds this registry accepts, most preferred first.
func (r *Registry) Priority() []Kind { return slices.Clone(r.priority) }

// Accepts reports whether target would be considered for capture.
func (r *Registry) Accepts(target string) bool {
	k, _, ok := Classify(target)
	if !ok {
		return false
	}
	_, ok = r.rank[k]
	return ok
}

// Rank returns the capturable targets among offered, best first. sensitive is
// true when the owner flagged its content as a password; Rank then returns no
// candidates.
func (r *Registry) Rank(offered []string) (ranked []string, sensitive bool) {
	type candidate struct {
		target string
		rank   int
		score  int
	}
	var cands []candidate
	seen := make(map[string]struct{}, len(offered))
	for _, t := range offered {
		if t == PasswordHint {
			return nil, true
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		k, score, ok := Classify(t)
		if !ok {
			continue
		}
		rank, ok := r.rank[k]
		if !ok {
			continue
		}
		cands = append(cands, candidate{target: t, rank: rank, score: score})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].rank != cands[j].rank {
			return cands[i].rank < cands[j].rank
		}
		return cands[i].score > cands[j].score
	})
	ranked = make([]string, len(cands))
	for i, c := range cands {
		ranked[i] = c.target
	}
	return ranked, false
}
