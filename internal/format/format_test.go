package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		target string
		kind   Kind
		ok     bool
	}{
		{"UTF8_STRING", Text, true},
		{"text/plain; charset=utf-8", Text, true},
		{"STRING", Text, true},
		{"image/png", Image, true},
		{"image/webp", Image, true},
		{"text/uri-list", Files, true},
		{"text/html", RichText, true},
		{"application/x-custom", Other, true},
		{"TARGETS", "", false},
		{"SAVE_TARGETS", "", false},
		{"_GTK_PRIVATE", "", false},
		{PasswordHint, "", false},
	} {
		k, _, ok := Classify(tc.target)
		assert.Equal(t, tc.ok, ok, tc.target)
		assert.Equal(t, tc.kind, k, tc.target)
	}
}

func TestRankPrefersImageOverText(t *testing.T) {
	r := Default()
	ranked, sensitive := r.Rank([]string{"TARGETS", "UTF8_STRING", "image/png", "TIMESTAMP"})
	assert.False(t, sensitive)
	assert.Equal(t, []string{"image/png", "UTF8_STRING"}, ranked)
}

func TestRankOrdersWithinKind(t *testing.T) {
	r := Default()
	ranked, _ := r.Rank([]string{"STRING", "TEXT", "UTF8_STRING", "text/plain"})
	assert.Equal(t, []string{"UTF8_STRING", "text/plain", "STRING", "TEXT"}, ranked)

	ranked, _ = r.Rank([]string{"image/jpeg", "image/bmp", "image/png"})
	assert.Equal(t, []string{"image/png", "image/jpeg", "image/bmp"}, ranked)
}

func TestRankPasswordHint(t *testing.T) {
	ranked, sensitive := Default().Rank([]string{"UTF8_STRING", PasswordHint})
	assert.True(t, sensitive)
	assert.Empty(t, ranked)
}

func TestRankCustomPriority(t *testing.T) {
	r, err := NewRegistry([]Kind{Text, Image})
	require.NoError(t, err)
	ranked, _ := r.Rank([]string{"image/png", "text/html", "UTF8_STRING"})
	assert.Equal(t, []string{"UTF8_STRING", "image/png"}, ranked)
	assert.False(t, r.Accepts("text/html"))
	assert.True(t, r.Accepts("image/gif"))
}

func TestNewRegistryRejectsBadPriority(t *testing.T) {
	_, err := NewRegistry([]Kind{Text, Text})
	assert.Error(t, err)
	_, err = NewRegistry([]Kind{"video"})
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Rich-Text")
	require.NoError(t, err)
	assert.Equal(t, RichText, k)
	_, err = ParseKind("audio")
	assert.Error(t, err)
}
