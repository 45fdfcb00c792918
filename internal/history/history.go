// Package history is the persistent, append-structured store of captured
// selection items. One store directory is shared by every server instance of
// a user (one per selection channel); each instance appends its own captures
// and reads everyone's.
//
// Items are immutable once appended. Ids are assigned at append time, strictly
// increase in append order, and are never reused. Eviction is FIFO per
// channel and skips items pinned by an in-flight paste.
package history

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/selection"
)

var (
	// ErrNotFound is returned for ids that were never appended or were evicted.
	ErrNotFound = errors.New("history: item not found")
	// ErrWriteFailed wraps any I/O failure on the append path. The store stays
	// usable; the failed item is simply not recorded.
	ErrWriteFailed = errors.New("history: write failed")
	// ErrCorrupt marks data that failed an integrity check. Open repairs it by
	// discarding everything from the first bad entry on.
	ErrCorrupt = errors.New("history: corrupt entry")
)

// Metadata keys recorded alongside payloads when known.
const (
	MetaSourceApp = "source_app"
	MetaTruncated = "truncated"
	MetaOrigin    = "origin"
	// MetaOwner is the window id of the selection owner a capture came from.
	MetaOwner = "owner"
)

// Item is one captured selection.
type Item struct {
	ID        uint64
	Channel   selection.Channel
	CreatedAt time.Time
	Kind      format.Kind
	// MIME is the target name the payload was captured as. It is the only
	// target the item is ever re-offered as.
	MIME     string
	Payload  []byte
	Metadata map[string]string
	// Digest is the xxhash of Payload, filled in by Append.
	Digest uint64
}

// Size returns the payload size in bytes.
func (it Item) Size() int { return len(it.Payload) }

// Digest returns the content digest used for duplicate detection.
func Digest(payload []byte) uint64 { return xxhash.Sum64(payload) }

// Filter selects items for List. The zero Filter selects everything.
type Filter struct {
	// Channel restricts the listing to one channel; empty means all.
	Channel selection.Channel
	// After skips items with id <= After.
	After uint64
	// Limit caps the number of items, counted from the oldest match.
	Limit int
	// Tail keeps only the newest Tail matches. Order stays ascending.
	Tail int
}

func (f Filter) match(id uint64, ch selection.Channel) bool {
	if id <= f.After {
		return false
	}
	return f.Channel == "" || f.Channel == ch
}

// window trims a list of matching ids to Tail and Limit.
func (f Filter) window(ids []uint64) []uint64 {
	if f.Tail > 0 && len(ids) > f.Tail {
		ids = ids[len(ids)-f.Tail:]
	}
	if f.Limit > 0 && len(ids) > f.Limit {
		ids = ids[:f.Limit]
	}
	return ids
}

// Policy bounds how much each channel keeps. Zero fields are unlimited.
type Policy struct {
	MaxItems int
	MaxBytes int64
}

// Stats summarises a store.
type Stats struct {
	Items  map[selection.Channel]int
	Bytes  map[selection.Channel]int64
	LastID uint64
	// Repaired counts bytes discarded by crash recovery since Open.
	Repaired int64
}

// Store is the contract shared by the storage backends.
type Store interface {
	// Append durably records item and returns its id. Once Append returns the
	// item is visible to every process sharing the store.
	Append(item Item) (uint64, error)
	Get(id uint64) (Item, error)
	// List yields matching items in ascending id order. Every range over the
	// returned sequence takes a fresh snapshot.
	List(f Filter) iter.Seq2[Item, error]
	// Latest returns the newest item of ch.
	Latest(ch selection.Channel) (Item, error)
	// Find returns the newest item of ch with the given format and payload,
	// or ErrNotFound.
	Find(ch selection.Channel, mime string, payload []byte) (Item, error)
	// Remove drops ids from history ahead of eviction. Pinned and unknown ids
	// are skipped; the ids actually removed are returned.
	Remove(ids ...uint64) ([]uint64, error)
	// Pin protects id from eviction by this process until a matching Unpin.
	Pin(id uint64)
	Unpin(id uint64)
	Stats() (Stats, error)
	Close() error
}

// Backend names a storage implementation.
type Backend string

const (
	BackendLog    Backend = "log"
	BackendSQLite Backend = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	Dir     string
	Policy  Policy
}

// Open opens the store described by cfg, creating it if needed. Failure here
// means the store location is unusable.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendLog, "":
		return OpenLog(cfg.Dir, cfg.Policy)
	case BackendSQLite:
		return OpenSQLite(filepath.Join(cfg.Dir, "history.db"), cfg.Policy)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func validate(item Item) error {
	if !item.Channel.Valid() {
		return fmt.Errorf("invalid channel %q", item.Channel)
	}
	if item.MIME == "" {
		return errors.New("item has no format")
	}
	return nil
}

// victims picks the ids of ch to evict so that what remains fits p. live is the
// channel's items as (id, size) in ascending id order. The newest item and
// pinned items are never picked.
func (p Policy) victims(live []sized, pinned func(uint64) bool) []uint64 {
	if len(live) == 0 {
		return nil
	}
	count := len(live)
	var total int64
	for _, s := range live {
		total += s.size
	}
	over := func() bool {
		return (p.MaxItems > 0 && count > p.MaxItems) || (p.MaxBytes > 0 && total > p.MaxBytes)
	}
	var out []uint64
	for _, s := range live[:len(live)-1] {
		if !over() {
			break
		}
		if pinned(s.id) {
			continue
		}
		out = append(out, s.id)
		count--
		total -= s.size
	}
	return out
}

type sized struct {
	id   uint64
	size int64
}
