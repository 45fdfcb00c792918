package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/selection"
)

var pngData = []byte("\x89PNG\r\n\x1a\n\x00\x01")

// seedStore fills a store in a fresh directory and returns a config file
// pointing at it.
func seedStore(t *testing.T) (cfgPath string, ids []uint64) {
	t.Helper()
	dir := t.TempDir()
	store, err := history.Open(history.Config{Dir: dir})
	require.NoError(t, err)
	for _, it := range []history.Item{
		{Channel: selection.Clipboard, Kind: format.Text, MIME: "UTF8_STRING", Payload: []byte("hello\nworld")},
		{Channel: selection.Primary, Kind: format.Image, MIME: "image/png", Payload: pngData},
		{Channel: selection.Clipboard, Kind: format.Text, MIME: "UTF8_STRING", Payload: []byte("ssh-ed25519 AAAA deploy")},
	} {
		it.CreatedAt = time.Now()
		id, err := store.Append(it)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, store.Close())

	cfgPath = filepath.Join(dir, "clipkeep.toml")
	require.NoError(t, os.WriteFile(cfgPath, fmt.Appendf(nil, "data_dir = %q\n", dir), 0o600))
	return cfgPath, ids
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SilenceUsage = true
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.Bytes(), err
}

func listJSON(t *testing.T, args ...string) []listEntry {
	t.Helper()
	out, err := execute(t, newListCmd(), append([]string{"--json"}, args...)...)
	require.NoError(t, err)
	var entries []listEntry
	require.NoError(t, json.Unmarshal(out, &entries))
	return entries
}

func TestListJSON(t *testing.T) {
	cfg, ids := seedStore(t)

	entries := listJSON(t, "--config", cfg)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, ids[i], e.ID)
	}
	assert.Equal(t, "CLIPBOARD", entries[0].Channel)
	assert.Equal(t, "hello world", entries[0].Preview)
	assert.Equal(t, "PRIMARY", entries[1].Channel)
	assert.Equal(t, "image", entries[1].Kind)
	assert.Equal(t, "[image/png]", entries[1].Preview)
	assert.Equal(t, len(pngData), entries[1].Size)

	prim := listJSON(t, "--config", cfg, "--selection", "PRIMARY")
	require.Len(t, prim, 1)
	assert.Equal(t, ids[1], prim[0].ID)

	found := listJSON(t, "--config", cfg, "--query", "deploy")
	require.Len(t, found, 1)
	assert.Equal(t, ids[2], found[0].ID)

	tail := listJSON(t, "--config", cfg, "--tail", "1")
	require.Len(t, tail, 1)
	assert.Equal(t, ids[2], tail[0].ID)

	after := listJSON(t, "--config", cfg, "--after", fmt.Sprint(ids[0]), "--limit", "1")
	require.Len(t, after, 1)
	assert.Equal(t, ids[1], after[0].ID)
}

func TestGet(t *testing.T) {
	cfg, ids := seedStore(t)

	out, err := execute(t, newGetCmd(), "--config", cfg, fmt.Sprint(ids[1]))
	require.NoError(t, err)
	assert.Equal(t, pngData, out)

	out, err = execute(t, newGetCmd(), "--config", cfg, "--mime", fmt.Sprint(ids[1]))
	require.NoError(t, err)
	assert.Equal(t, "image/png\n", string(out))

	_, err = execute(t, newGetCmd(), "--config", cfg, "999")
	assert.EqualError(t, err, "item 999 not found")

	_, err = execute(t, newGetCmd(), "--config", cfg, "abc")
	assert.EqualError(t, err, `invalid item id "abc"`)
}
