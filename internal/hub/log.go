package hub

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
)

// LogItem logs a history event at INFO (id, kind, mime, size) and at DEBUG a
// text preview up to 120 characters.
func LogItem(event string, it history.Item) {
	slog.Info(event, "id", it.ID, "kind", it.Kind, "mime", it.MIME, "bytes", it.Size())

	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	if it.Kind == format.Text && utf8.Valid(it.Payload) {
		slog.Debug("history item", "id", it.ID, "preview", Preview(it.Payload, 120))
	}
}

// Preview returns at most n runes of text, with an ellipsis when cut.
func Preview(b []byte, n int) string {
	s := string(b)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
