package history

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/selection"
)

// On-disk layout of the log backend:
//
//	file   = fileMagic frame*
//	frame  = magic(4) length(4) xxhash64(body)(8) body(length)
//	body   = JSON record
//
// Records are either an item or an eviction tombstone listing ids. Writers
// hold an exclusive flock on history.lock; readers hold a shared one while
// they catch up with the file. Compaction rewrites live frames into a new
// file and renames it into place.
const (
	logFileName  = "history.log"
	lockFileName = "history.lock"
	fileMagic    = "CKLOG\x00\x00\x01"
	frameMagic   = 0x434b4652 // "CKFR"
	frameHeader  = 16
	maxFrameBody = 1 << 30

	// Compaction runs once dead frames outweigh live ones by this much.
	compactMinDead = 1 << 20
)

const (
	opItem  = "item"
	opEvict = "evict"
)

type record struct {
	Op       string            `json:"op"`
	ID       uint64            `json:"id,omitempty"`
	Channel  selection.Channel `json:"channel,omitempty"`
	Created  int64             `json:"created,omitempty"`
	Kind     format.Kind       `json:"kind,omitempty"`
	MIME     string            `json:"mime,omitempty"`
	Digest   uint64            `json:"digest,omitempty"`
	Metadata map[string]string `json:"meta,omitempty"`
	Payload  []byte            `json:"payload,omitempty"`
	Evict    []uint64          `json:"evict,omitempty"`
}

func (r *record) item() Item {
	return Item{
		ID:        r.ID,
		Channel:   r.Channel,
		CreatedAt: time.Unix(0, r.Created),
		Kind:      r.Kind,
		MIME:      r.MIME,
		Payload:   r.Payload,
		Metadata:  r.Metadata,
		Digest:    r.Digest,
	}
}

// entry is the in-memory index of one live item frame.
type entry struct {
	id      uint64
	channel selection.Channel
	mime    string
	digest  uint64
	size    int64
	off     int64
	n       int64
}

// LogStore is the append-only file backend.
type LogStore struct {
	mu     sync.Mutex
	dir    string
	path   string
	lock   *flock.Flock
	policy Policy

	f     *os.File
	fi    os.FileInfo
	end   int64
	index []entry
	// lastID is the highest id ever seen, including evicted items.
	lastID uint64
	dead   int64

	pins     map[uint64]int
	repaired int64
}

// OpenLog opens (creating if necessary) the log store in dir, repairing a
// damaged tail left by a crash.
func OpenLog(dir string, policy Policy) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &LogStore{
		dir:    dir,
		path:   filepath.Join(dir, logFileName),
		lock:   flock.New(filepath.Join(dir, lockFileName)),
		policy: policy,
		pins:   make(map[uint64]int),
	}
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock store: %w", err)
	}
	defer s.unlock()
	if err := s.reload(true); err != nil {
		return nil, err
	}
	slog.Debug("history log opened", "path", s.path, "items", len(s.index), "last_id", s.lastID)
	return s, nil
}

func (s *LogStore) unlock() {
	if err := s.lock.Unlock(); err != nil {
		slog.Warn("history unlock failed", "err", err)
	}
}

// reload reopens the file and rebuilds the index from scratch. repair may only
// be set while holding the exclusive lock.
func (s *LogStore) reload(repair bool) error {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat store: %w", err)
	}

	head := make([]byte, len(fileMagic))
	n, _ := f.ReadAt(head, 0)
	if n < len(head) || string(head) != fileMagic {
		if fi.Size() > 0 {
			if !repair {
				f.Close()
				return fmt.Errorf("%w: bad file header", ErrCorrupt)
			}
			slog.Error("history file header invalid, starting a new log", "path", s.path, "discarded_bytes", fi.Size())
			s.repaired += fi.Size()
		}
		if err := f.Truncate(0); err != nil {
			f.Close()
			return fmt.Errorf("reset store: %w", err)
		}
		if _, err := f.WriteAt([]byte(fileMagic), 0); err != nil {
			f.Close()
			return fmt.Errorf("write store header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("sync store header: %w", err)
		}
		if fi, err = f.Stat(); err != nil {
			f.Close()
			return fmt.Errorf("stat store: %w", err)
		}
	}

	if s.f != nil {
		s.f.Close()
	}
	s.f, s.fi = f, fi
	s.end = int64(len(fileMagic))
	s.index = s.index[:0]
	s.dead = 0
	prev := s.lastID
	s.lastID = 0
	err = s.catchUp(repair)
	// Ids are never reused, even when a rewrite dropped the newest frames.
	s.lastID = max(s.lastID, prev)
	return err
}

// catchUp applies frames appended after s.end, by this or another process.
func (s *LogStore) catchUp(repair bool) error {
	fi, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat store: %w", err)
	}
	size := fi.Size()
	if size <= s.end {
		return nil
	}
	end, err := scanFrames(s.f, s.end, size, s.apply)
	s.end = end
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrCorrupt) {
		return err
	}
	if !repair {
		// The next writer repairs it.
		slog.Debug("history tail unreadable, ignoring until next write", "offset", end, "err", err)
		return nil
	}
	slog.Warn("history tail corrupt, truncating to last valid entry",
		"path", s.path, "offset", end, "discarded_bytes", size-end, "err", err)
	if terr := s.f.Truncate(end); terr != nil {
		return fmt.Errorf("truncate corrupt tail: %w", terr)
	}
	s.repaired += size - end
	return s.f.Sync()
}

// refresh brings the index up to date with the file on disk. The caller
// holds s.mu and a shared or exclusive flock.
func (s *LogStore) refresh(repair bool) error {
	fi, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat store: %w", err)
	}
	if !os.SameFile(fi, s.fi) || fi.Size() < s.end {
		// Compacted or repaired by another process.
		return s.reload(repair)
	}
	return s.catchUp(repair)
}

func (s *LogStore) apply(rec *record, off, n int64) {
	switch rec.Op {
	case opItem:
		if rec.ID <= s.lastID {
			slog.Warn("history frame out of order, ignoring", "id", rec.ID, "last_id", s.lastID)
			s.dead += n
			return
		}
		s.lastID = rec.ID
		s.index = append(s.index, entry{
			id:      rec.ID,
			channel: rec.Channel,
			mime:    rec.MIME,
			digest:  rec.Digest,
			size:    int64(len(rec.Payload)),
			off:     off,
			n:       n,
		})
	case opEvict:
		s.dead += n
		for _, id := range rec.Evict {
			if i, ok := s.find(id); ok {
				s.dead += s.index[i].n
				s.index = slices.Delete(s.index, i, i+1)
			}
		}
	default:
		s.dead += n
	}
}

func (s *LogStore) find(id uint64) (int, bool) {
	i := sort.Search(len(s.index), func(i int) bool { return s.index[i].id >= id })
	return i, i < len(s.index) && s.index[i].id == id
}

// scanFrames decodes the frames of f between off and size, calling fn for each
// valid one. It returns the offset just past the last valid frame; the error
// wraps ErrCorrupt when it stopped early.
func scanFrames(f *os.File, off, size int64, fn func(rec *record, off, n int64)) (int64, error) {
	r := bufio.NewReaderSize(io.NewSectionReader(f, off, size-off), 64*1024)
	var hdr [frameHeader]byte
	for off < size {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return off, fmt.Errorf("%w: short frame header at %d", ErrCorrupt, off)
		}
		magic := binary.BigEndian.Uint32(hdr[0:4])
		length := int64(binary.BigEndian.Uint32(hdr[4:8]))
		sum := binary.BigEndian.Uint64(hdr[8:16])
		if magic != frameMagic || length > maxFrameBody || length > size-off-frameHeader {
			return off, fmt.Errorf("%w: bad frame header at %d", ErrCorrupt, off)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return off, fmt.Errorf("%w: short frame at %d", ErrCorrupt, off)
		}
		rec, err := decodeBody(body, sum)
		if err != nil {
			return off, fmt.Errorf("frame at %d: %w", off, err)
		}
		fn(rec, off, frameHeader+length)
		off += frameHeader + length
	}
	return off, nil
}

func decodeBody(body []byte, sum uint64) (*record, error) {
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	var rec record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &rec, nil
}

func encodeFrame(rec *record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if len(body) > maxFrameBody {
		return nil, fmt.Errorf("record too large (%d bytes)", len(body))
	}
	frame := make([]byte, frameHeader+len(body))
	binary.BigEndian.PutUint32(frame[0:4], frameMagic)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(body)))
	binary.BigEndian.PutUint64(frame[8:16], xxhash.Sum64(body))
	copy(frame[frameHeader:], body)
	return frame, nil
}

// writeFrame appends frame at s.end and syncs. On failure the file is cut
// back so a half-written frame never survives.
func (s *LogStore) writeFrame(frame []byte) (int64, error) {
	off := s.end
	if _, err := s.f.WriteAt(frame, off); err != nil {
		_ = s.f.Truncate(off)
		return 0, err
	}
	if err := s.f.Sync(); err != nil {
		_ = s.f.Truncate(off)
		return 0, err
	}
	s.end = off + int64(len(frame))
	return off, nil
}

// Append implements Store.
func (s *LogStore) Append(item Item) (uint64, error) {
	if err := validate(item); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return 0, fmt.Errorf("%w: lock: %w", ErrWriteFailed, err)
	}
	defer s.unlock()
	if err := s.refresh(true); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	rec := &record{
		Op:       opItem,
		ID:       s.lastID + 1,
		Channel:  item.Channel,
		Created:  item.CreatedAt.UnixNano(),
		Kind:     item.Kind,
		MIME:     item.MIME,
		Digest:   Digest(item.Payload),
		Metadata: item.Metadata,
		Payload:  item.Payload,
	}
	frame, err := encodeFrame(rec)
	if err != nil {
		return 0, fmt.Errorf("%w: encode: %w", ErrWriteFailed, err)
	}
	off, err := s.writeFrame(frame)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	s.apply(rec, off, int64(len(frame)))

	s.evict(item.Channel)
	if s.dead > compactMinDead && s.dead > s.end-s.dead {
		if err := s.compact(); err != nil {
			slog.Warn("history compaction failed", "err", err)
		}
	}
	return rec.ID, nil
}

// evict writes a tombstone for the items of ch that no longer fit the policy.
// A failed tombstone only delays eviction until the next append.
func (s *LogStore) evict(ch selection.Channel) {
	var live []sized
	for _, e := range s.index {
		if e.channel == ch {
			live = append(live, sized{id: e.id, size: e.size})
		}
	}
	ids := s.policy.victims(live, func(id uint64) bool { return s.pins[id] > 0 })
	if len(ids) == 0 {
		return
	}
	if err := s.tombstone(ids); err != nil {
		slog.Warn("history eviction failed", "selection", ch, "err", err)
		return
	}
	slog.Debug("history evicted", "selection", ch, "ids", ids)
}

// tombstone writes an eviction record for ids. Caller holds the exclusive
// lock.
func (s *LogStore) tombstone(ids []uint64) error {
	rec := &record{Op: opEvict, Evict: ids}
	frame, err := encodeFrame(rec)
	if err != nil {
		return err
	}
	off, err := s.writeFrame(frame)
	if err != nil {
		return err
	}
	s.apply(rec, off, int64(len(frame)))
	return nil
}

// Remove implements Store.
func (s *LogStore) Remove(ids ...uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("%w: lock: %w", ErrWriteFailed, err)
	}
	defer s.unlock()
	if err := s.refresh(true); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	var live []uint64
	for _, id := range ids {
		if _, ok := s.find(id); ok && s.pins[id] == 0 && !slices.Contains(live, id) {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	if err := s.tombstone(live); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return live, nil
}

// compact rewrites the live frames into a fresh file. Caller holds the
// exclusive lock.
func (s *LogStore) compact() error {
	tmp, err := os.CreateTemp(s.dir, logFileName+".compact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriterSize(tmp, 256*1024)
	if _, err := w.WriteString(fileMagic); err != nil {
		tmp.Close()
		return err
	}
	for _, e := range s.index {
		if _, err := io.Copy(w, io.NewSectionReader(s.f, e.off, e.n)); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	before := s.end
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	if d, err := os.Open(s.dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	if err := s.reload(true); err != nil {
		return err
	}
	slog.Info("history compacted", "path", s.path, "before_bytes", before, "after_bytes", s.end)
	return nil
}

// read loads the full item for e. Caller holds s.mu.
func (s *LogStore) read(e entry) (Item, error) {
	buf := make([]byte, e.n)
	if _, err := s.f.ReadAt(buf, e.off); err != nil {
		return Item{}, fmt.Errorf("read item %d: %w", e.id, err)
	}
	if !bytes.Equal(buf[0:4], binary.BigEndian.AppendUint32(nil, frameMagic)) {
		return Item{}, fmt.Errorf("%w: item %d", ErrCorrupt, e.id)
	}
	rec, err := decodeBody(buf[frameHeader:], binary.BigEndian.Uint64(buf[8:16]))
	if err != nil {
		return Item{}, fmt.Errorf("item %d: %w", e.id, err)
	}
	return rec.item(), nil
}

// shared runs fn with s.mu and a shared flock held, after catching up with
// other writers.
func (s *LogStore) shared(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer s.unlock()
	if err := s.refresh(false); err != nil {
		return err
	}
	return fn()
}

// Get implements Store.
func (s *LogStore) Get(id uint64) (Item, error) {
	var it Item
	err := s.shared(func() error {
		i, ok := s.find(id)
		if !ok {
			return ErrNotFound
		}
		var err error
		it, err = s.read(s.index[i])
		return err
	})
	return it, err
}

// Latest implements Store.
func (s *LogStore) Latest(ch selection.Channel) (Item, error) {
	var it Item
	err := s.shared(func() error {
		for i := len(s.index) - 1; i >= 0; i-- {
			if s.index[i].channel == ch {
				var err error
				it, err = s.read(s.index[i])
				return err
			}
		}
		return ErrNotFound
	})
	return it, err
}

// Find implements Store.
func (s *LogStore) Find(ch selection.Channel, mime string, payload []byte) (Item, error) {
	sum := Digest(payload)
	var it Item
	err := s.shared(func() error {
		for i := len(s.index) - 1; i >= 0; i-- {
			e := s.index[i]
			if e.channel != ch || e.mime != mime || e.digest != sum {
				continue
			}
			got, err := s.read(e)
			if err != nil {
				return err
			}
			if bytes.Equal(got.Payload, payload) {
				it = got
				return nil
			}
		}
		return ErrNotFound
	})
	return it, err
}

// List implements Store.
func (s *LogStore) List(f Filter) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		var ids []uint64
		err := s.shared(func() error {
			for _, e := range s.index {
				if f.match(e.id, e.channel) {
					ids = append(ids, e.id)
				}
			}
			return nil
		})
		if err != nil {
			yield(Item{}, err)
			return
		}
		for _, id := range f.window(ids) {
			it, err := s.Get(id)
			if errors.Is(err, ErrNotFound) {
				// Evicted since the snapshot.
				continue
			}
			if !yield(it, err) {
				return
			}
		}
	}
}

// Pin implements Store.
func (s *LogStore) Pin(id uint64) {
	s.mu.Lock()
	s.pins[id]++
	s.mu.Unlock()
}

// Unpin implements Store.
func (s *LogStore) Unpin(id uint64) {
	s.mu.Lock()
	if s.pins[id] <= 1 {
		delete(s.pins, id)
	} else {
		s.pins[id]--
	}
	s.mu.Unlock()
}

// Stats implements Store.
func (s *LogStore) Stats() (Stats, error) {
	st := Stats{
		Items: make(map[selection.Channel]int),
		Bytes: make(map[selection.Channel]int64),
	}
	err := s.shared(func() error {
		for _, e := range s.index {
			st.Items[e.channel]++
			st.Bytes[e.channel] += e.size
		}
		st.LastID = s.lastID
		st.Repaired = s.repaired
		return nil
	})
	return st, err
}

// Close implements Store.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
