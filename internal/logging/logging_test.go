package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatText, ParseFormat("Tint"))
	assert.Equal(t, FormatJSON, ParseFormat("json"))
	assert.Equal(t, FormatAuto, ParseFormat("whatever"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestNewHandlerJSONWhenNotTTY(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, FormatAuto, slog.LevelInfo)).With("selection", "PRIMARY")
	l.Debug("hidden")
	l.Info("captured", "bytes", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "captured", rec["msg"])
	assert.Equal(t, "PRIMARY", rec["selection"])
	assert.False(t, IsTTY(&buf))
}
