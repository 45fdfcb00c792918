package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipkeep/internal/capture"
	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/paste"
	"go.klb.dev/clipkeep/internal/selection"
)

func load(t *testing.T, toml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(strings.NewReader(toml)))
	return v
}

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	s, err := Resolve(load(t, ""), selection.Clipboard)
	require.NoError(t, err)

	assert.Equal(t, history.Config{
		Backend: history.BackendLog,
		Dir:     "/data/clipkeep",
		Policy:  history.Policy{MaxItems: 100, MaxBytes: 256 << 20},
	}, s.Store)
	assert.Equal(t, 2*time.Second, s.Engine.ClaimTimeout)
	assert.Equal(t, 5*time.Second, s.Engine.ServeTimeout)
	assert.Equal(t, 256<<10, s.Engine.ChunkSize)
	assert.Equal(t, 10<<20, s.Engine.Capture.MaxSize)
	assert.Equal(t, capture.Reject, s.Engine.Capture.Oversize)
	assert.Equal(t, 3*time.Second, s.Engine.Capture.Timeout)
	assert.Equal(t, format.DefaultPriority, s.Engine.Capture.Registry.Priority())
	assert.True(t, s.Dedupe)
	assert.True(t, s.Merge)

	want, err := paste.ParseSequence(paste.DefaultClipboard)
	require.NoError(t, err)
	assert.Equal(t, want, s.Keymap.Default)

	p, err := Resolve(load(t, ""), selection.Primary)
	require.NoError(t, err)
	want, err = paste.ParseSequence(paste.DefaultPrimary)
	require.NoError(t, err)
	assert.Equal(t, want, p.Keymap.Default)
}

func TestChannelOverrides(t *testing.T) {
	v := load(t, `
item_limit = 200
size_limit = "1 GB"
oversize = "truncate"
claim_timeout = "500ms"
format_priority = ["text", "image"]
store = "sqlite"
data_dir = "/srv/clips"

[CLIPBOARD]
merge = false

[PRIMARY]
item_limit = 20
dedupe = false
`)
	c, err := Resolve(v, selection.Clipboard)
	require.NoError(t, err)
	assert.Equal(t, 200, c.Store.Policy.MaxItems)
	assert.Equal(t, int64(1_000_000_000), c.Store.Policy.MaxBytes)
	assert.Equal(t, history.BackendSQLite, c.Store.Backend)
	assert.Equal(t, "/srv/clips", c.Store.Dir)
	assert.Equal(t, capture.Truncate, c.Engine.Capture.Oversize)
	assert.Equal(t, 500*time.Millisecond, c.Engine.ClaimTimeout)
	assert.Equal(t, []format.Kind{format.Text, format.Image}, c.Engine.Capture.Registry.Priority())
	assert.True(t, c.Dedupe)
	assert.False(t, c.Merge)

	p, err := Resolve(v, selection.Primary)
	require.NoError(t, err)
	assert.Equal(t, 20, p.Store.Policy.MaxItems)
	assert.Equal(t, "/srv/clips", p.Store.Dir)
	assert.False(t, p.Dedupe)
	assert.True(t, p.Merge)
}

func TestAppPasteKeys(t *testing.T) {
	v := load(t, `
paste_keys = "shift+insert"

[app_paste_keys]
xterm = "ctrl+shift+v"
"org.gnome.Terminal" = ["ctrl+shift+v"]
emacs = ["ctrl+y"]
`)
	s, err := Resolve(v, selection.Clipboard)
	require.NoError(t, err)

	shiftInsert, err := paste.ParseSequence([]string{"shift+insert"})
	require.NoError(t, err)
	assert.Equal(t, shiftInsert, s.Keymap.Default)

	ctrlShiftV, err := paste.ParseSequence([]string{"ctrl+shift+v"})
	require.NoError(t, err)
	seq, match := s.Keymap.Resolve("xterm", "XTerm")
	assert.Equal(t, "xterm", match)
	assert.Equal(t, ctrlShiftV, seq)

	seq, match = s.Keymap.Resolve("gnome-terminal-server", "org.gnome.Terminal")
	assert.Equal(t, "org.gnome.terminal", match)
	assert.Equal(t, ctrlShiftV, seq)

	_, match = s.Keymap.Resolve("emacs", "Emacs")
	assert.Equal(t, "emacs", match)
}

func TestResolveErrors(t *testing.T) {
	for name, toml := range map[string]string{
		"size":     `max_bytes = "lots"`,
		"oversize": `oversize = "drop"`,
		"priority": `format_priority = ["pictures"]`,
		"keys":     `paste_keys = "ctrl+nosuchkey"`,
		"app keys": "[app_paste_keys]\nxterm = 3",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(load(t, toml), selection.Clipboard)
			assert.Error(t, err)
		})
	}
}
