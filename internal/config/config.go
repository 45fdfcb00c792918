// Package config resolves a server instance's settings from viper. Every key
// may be overridden for one channel by a table named after it:
//
//	item_limit = 200
//
//	[PRIMARY]
//	item_limit = 50
//	paste_keys = "button2"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/capture"
	"go.klb.dev/clipkeep/internal/engine"
	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/paste"
	"go.klb.dev/clipkeep/internal/selection"
)

// Keys.
const (
	KeyItemLimit       = "item_limit"
	KeySizeLimit       = "size_limit"
	KeyMaxBytes        = "max_bytes"
	KeyOversize        = "oversize"
	KeyClaimTimeout    = "claim_timeout"
	KeyTransferTimeout = "transfer_timeout"
	KeyServeTimeout    = "serve_timeout"
	KeyChunkSize       = "chunk_size"
	KeyFormatPriority  = "format_priority"
	KeyStore           = "store"
	KeyDataDir         = "data_dir"
	KeyDedupe          = "dedupe"
	KeyMerge           = "merge"
	KeyPasteKeys       = "paste_keys"
	KeyAppPasteKeys    = "app_paste_keys"
)

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyItemLimit, 100)
	v.SetDefault(KeySizeLimit, "256MiB")
	v.SetDefault(KeyMaxBytes, "10MiB")
	v.SetDefault(KeyOversize, string(capture.Reject))
	v.SetDefault(KeyClaimTimeout, 2*time.Second)
	v.SetDefault(KeyTransferTimeout, 3*time.Second)
	v.SetDefault(KeyServeTimeout, 5*time.Second)
	v.SetDefault(KeyChunkSize, "256KiB")
	v.SetDefault(KeyStore, string(history.BackendLog))
	v.SetDefault(KeyDedupe, true)
	v.SetDefault(KeyMerge, true)
}

// Server is everything one server instance needs.
type Server struct {
	Channel selection.Channel
	Store   history.Config
	Engine  engine.Config
	Keymap  paste.Keymap
	Dedupe  bool
	// Merge replaces the previous text capture when the same owner extends
	// or shrinks it within a second, as a drag selection does.
	Merge bool
}

// lookup reads keys from the channel table first, then the top level.
type lookup struct {
	top, sub *viper.Viper
}

func (l lookup) src(key string) *viper.Viper {
	if l.sub != nil && l.sub.IsSet(key) {
		return l.sub
	}
	return l.top
}

func (l lookup) isSet(key string) bool    { return l.src(key).IsSet(key) }
func (l lookup) str(key string) string    { return l.src(key).GetString(key) }
func (l lookup) num(key string) int       { return l.src(key).GetInt(key) }
func (l lookup) flag(key string) bool     { return l.src(key).GetBool(key) }
func (l lookup) list(key string) []string { return l.src(key).GetStringSlice(key) }
func (l lookup) raw(key string) any       { return l.src(key).Get(key) }
func (l lookup) dur(key string) (time.Duration, error) {
	d := l.src(key).GetDuration(key)
	if d <= 0 && l.isSet(key) {
		return 0, fmt.Errorf("%s: invalid duration %q", key, l.str(key))
	}
	return d, nil
}

func (l lookup) bytes(key string) (int64, error) {
	s := strings.TrimSpace(l.str(key))
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return int64(n), nil
}

// Resolve builds the settings for ch.
func Resolve(v *viper.Viper, ch selection.Channel) (Server, error) {
	l := lookup{top: v, sub: v.Sub(string(ch))}
	s := Server{Channel: ch, Dedupe: l.flag(KeyDedupe), Merge: l.flag(KeyMerge)}

	sizeLimit, err := l.bytes(KeySizeLimit)
	if err != nil {
		return s, err
	}
	maxBytes, err := l.bytes(KeyMaxBytes)
	if err != nil {
		return s, err
	}
	chunk, err := l.bytes(KeyChunkSize)
	if err != nil {
		return s, err
	}
	oversize, err := capture.ParseOversize(l.str(KeyOversize))
	if err != nil {
		return s, err
	}
	claimTimeout, err := l.dur(KeyClaimTimeout)
	if err != nil {
		return s, err
	}
	transferTimeout, err := l.dur(KeyTransferTimeout)
	if err != nil {
		return s, err
	}
	serveTimeout, err := l.dur(KeyServeTimeout)
	if err != nil {
		return s, err
	}

	reg := format.Default()
	if prio := l.list(KeyFormatPriority); len(prio) > 0 {
		kinds := make([]format.Kind, 0, len(prio))
		for _, p := range prio {
			k, err := format.ParseKind(p)
			if err != nil {
				return s, fmt.Errorf("%s: %w", KeyFormatPriority, err)
			}
			kinds = append(kinds, k)
		}
		if reg, err = format.NewRegistry(kinds); err != nil {
			return s, fmt.Errorf("%s: %w", KeyFormatPriority, err)
		}
	}

	dir := l.str(KeyDataDir)
	if dir == "" {
		dir = DefaultDataDir()
	}
	s.Store = history.Config{
		Backend: history.Backend(strings.ToLower(l.str(KeyStore))),
		Dir:     dir,
		Policy:  history.Policy{MaxItems: l.num(KeyItemLimit), MaxBytes: sizeLimit},
	}
	s.Engine = engine.Config{
		ClaimTimeout: claimTimeout,
		ServeTimeout: serveTimeout,
		ChunkSize:    int(chunk),
		Capture: capture.Config{
			Registry: reg,
			MaxSize:  int(maxBytes),
			Oversize: oversize,
			Timeout:  transferTimeout,
		},
	}

	def := paste.DefaultKeys(ch)
	if l.isSet(KeyPasteKeys) {
		def = l.list(KeyPasteKeys)
	}
	apps, err := appKeys(l.raw(KeyAppPasteKeys))
	if err != nil {
		return s, err
	}
	if s.Keymap, err = paste.NewKeymap(def, apps); err != nil {
		return s, err
	}
	return s, nil
}

// appKeys reads the [app_paste_keys] table. Viper splits keys on dots, so a
// class such as "org.gnome.Terminal" arrives as nested tables and is joined
// back together here.
func appKeys(raw any) (map[string][]string, error) {
	out := make(map[string][]string)
	var walk func(prefix string, v any) error
	walk = func(prefix string, v any) error {
		switch t := v.(type) {
		case nil:
			return nil
		case string:
			out[prefix] = []string{t}
		case []string:
			out[prefix] = t
		case []any:
			seq := make([]string, 0, len(t))
			for _, e := range t {
				s, ok := e.(string)
				if !ok {
					return fmt.Errorf("%s.%s: want key names, got %T", KeyAppPasteKeys, prefix, e)
				}
				seq = append(seq, s)
			}
			out[prefix] = seq
		case map[string]any:
			for k, sub := range t {
				name := k
				if prefix != "" {
					name = prefix + "." + k
				}
				if err := walk(name, sub); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%s.%s: unexpected %T", KeyAppPasteKeys, prefix, v)
		}
		return nil
	}
	if err := walk("", raw); err != nil {
		return nil, err
	}
	delete(out, "")
	return out, nil
}

// DefaultDataDir is $XDG_DATA_HOME/clipkeep, falling back to
// ~/.local/share/clipkeep.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "clipkeep")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "clipkeep")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("clipkeep-%d", os.Getuid()))
}
