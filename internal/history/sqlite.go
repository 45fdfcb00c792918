package history

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/selection"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	channel    TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	mime       TEXT    NOT NULL,
	digest     INTEGER NOT NULL,
	size       INTEGER NOT NULL,
	metadata   TEXT,
	payload    BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS items_channel_id ON items(channel, id);
`

// SQLiteStore keeps history in a SQLite database. Appends and the eviction
// they trigger commit in one transaction.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	policy Policy

	mu       sync.Mutex
	pins     map[uint64]int
	repaired int64
}

// sqliteBusyTimeout bounds how long a connection waits on another process's
// lock.
var sqliteBusyTimeout = 5 * time.Second

func sqliteDSN(path string) string {
	return path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		fmt.Sprintf("&_pragma=busy_timeout(%d)", sqliteBusyTimeout.Milliseconds()) +
		"&_txlock=immediate"
}

// OpenSQLite opens the database at path. A database that fails its integrity
// check is moved aside and replaced by an empty one. Any other failure, such
// as a lock held too long by another process, is returned unchanged and the
// file is left alone.
func OpenSQLite(path string, policy Policy) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &SQLiteStore{path: path, policy: policy, pins: make(map[uint64]int)}

	db, err := openChecked(path)
	if errors.Is(err, ErrCorrupt) {
		aside := path + ".corrupt"
		if fi, serr := os.Stat(path); serr == nil {
			s.repaired = fi.Size()
		}
		slog.Error("history database corrupt, starting a new one", "path", path, "moved_to", aside, "err", err)
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("move corrupt database: %w", rerr)
		}
		for _, sfx := range []string{"-wal", "-shm"} {
			_ = os.Remove(path + sfx)
		}
		db, err = openChecked(path)
	}
	if err != nil {
		return nil, err
	}
	s.db = db
	slog.Debug("history database opened", "path", path)
	return s, nil
}

func openChecked(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	var res string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&res); err != nil {
		db.Close()
		if corruptErr(err) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, fmt.Errorf("check database: %w", err)
	}
	if res != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, res)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

// corruptErr reports whether err is SQLite saying the file is damaged or not a
// database at all.
func corruptErr(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	// Extended codes carry the primary code in the low byte.
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return true
	}
	return false
}

// Append implements Store.
func (s *SQLiteStore) Append(item Item) (uint64, error) {
	if err := validate(item); err != nil {
		return 0, err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	var meta []byte
	if len(item.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(item.Metadata); err != nil {
			return 0, fmt.Errorf("%w: encode metadata: %w", ErrWriteFailed, err)
		}
	}
	payload := item.Payload
	if payload == nil {
		payload = []byte{}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO items (channel, created_at, kind, mime, digest, size, metadata, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(item.Channel), item.CreatedAt.UnixNano(), string(item.Kind), item.MIME,
		int64(Digest(item.Payload)), len(item.Payload), nullString(meta), payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err := s.evict(tx, item.Channel); err != nil {
		return 0, fmt.Errorf("%w: evict: %w", ErrWriteFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return uint64(id), nil
}

func (s *SQLiteStore) evict(tx *sql.Tx, ch selection.Channel) error {
	rows, err := tx.Query(`SELECT id, size FROM items WHERE channel = ? ORDER BY id`, string(ch))
	if err != nil {
		return err
	}
	var live []sized
	for rows.Next() {
		var sz sized
		if err := rows.Scan(&sz.id, &sz.size); err != nil {
			rows.Close()
			return err
		}
		live = append(live, sz)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	ids := s.policy.victims(live, func(id uint64) bool { return s.pins[id] > 0 })
	s.mu.Unlock()
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM items WHERE id = ?`, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		slog.Debug("history evicted", "selection", ch, "ids", ids)
	}
	return nil
}

func nullString(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: b != nil}
}

const itemColumns = `id, channel, created_at, kind, mime, digest, metadata, payload`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var (
		it      Item
		ch      string
		created int64
		kind    string
		digest  int64
		meta    sql.NullString
	)
	if err := row.Scan(&it.ID, &ch, &created, &kind, &it.MIME, &digest, &meta, &it.Payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	it.Channel = selection.Channel(ch)
	it.CreatedAt = time.Unix(0, created)
	it.Kind = format.Kind(kind)
	it.Digest = uint64(digest)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &it.Metadata); err != nil {
			return Item{}, fmt.Errorf("%w: item %d metadata: %v", ErrCorrupt, it.ID, err)
		}
	}
	return it, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(id uint64) (Item, error) {
	return scanItem(s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ch selection.Channel) (Item, error) {
	return scanItem(s.db.QueryRow(
		`SELECT `+itemColumns+` FROM items WHERE channel = ? ORDER BY id DESC LIMIT 1`, string(ch)))
}

// Find implements Store.
func (s *SQLiteStore) Find(ch selection.Channel, mime string, payload []byte) (Item, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM items
		WHERE channel = ? AND mime = ? AND digest = ? ORDER BY id DESC`,
		string(ch), mime, int64(Digest(payload)))
	if err != nil {
		return Item{}, err
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return Item{}, err
		}
		if bytes.Equal(it.Payload, payload) {
			return it, nil
		}
	}
	if err := rows.Err(); err != nil {
		return Item{}, err
	}
	return Item{}, ErrNotFound
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ids ...uint64) ([]uint64, error) {
	s.mu.Lock()
	ids = slices.DeleteFunc(slices.Clone(ids), func(id uint64) bool { return s.pins[id] > 0 })
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	defer tx.Rollback()
	var removed []uint64
	for _, id := range ids {
		res, err := tx.Exec(`DELETE FROM items WHERE id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed = append(removed, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return removed, nil
}

// List implements Store.
func (s *SQLiteStore) List(f Filter) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		q := `SELECT id FROM items WHERE id > ?`
		args := []any{f.After}
		if f.Channel != "" {
			q += ` AND channel = ?`
			args = append(args, string(f.Channel))
		}
		rows, err := s.db.Query(q+` ORDER BY id`, args...)
		if err != nil {
			yield(Item{}, err)
			return
		}
		var ids []uint64
		for rows.Next() {
			var id uint64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				yield(Item{}, err)
				return
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			yield(Item{}, err)
			return
		}
		for _, id := range f.window(ids) {
			it, err := s.Get(id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if !yield(it, err) {
				return
			}
		}
	}
}

// Pin implements Store.
func (s *SQLiteStore) Pin(id uint64) {
	s.mu.Lock()
	s.pins[id]++
	s.mu.Unlock()
}

// Unpin implements Store.
func (s *SQLiteStore) Unpin(id uint64) {
	s.mu.Lock()
	if s.pins[id] <= 1 {
		delete(s.pins, id)
	} else {
		s.pins[id]--
	}
	s.mu.Unlock()
}

// Stats implements Store.
func (s *SQLiteStore) Stats() (Stats, error) {
	st := Stats{
		Items: make(map[selection.Channel]int),
		Bytes: make(map[selection.Channel]int64),
	}
	rows, err := s.db.Query(`SELECT channel, COUNT(*), COALESCE(SUM(size), 0) FROM items GROUP BY channel`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ch    string
			n     int
			bytes int64
		)
		if err := rows.Scan(&ch, &n, &bytes); err != nil {
			return st, err
		}
		st.Items[selection.Channel(ch)] = n
		st.Bytes[selection.Channel(ch)] = bytes
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	// AUTOINCREMENT keeps the high-water mark in sqlite_sequence, so evicted
	// ids still count.
	var last sql.NullInt64
	err = s.db.QueryRow(`SELECT seq FROM sqlite_sequence WHERE name = 'items'`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, err
	}
	st.LastID = uint64(last.Int64)
	s.mu.Lock()
	st.Repaired = s.repaired
	s.mu.Unlock()
	return st, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
