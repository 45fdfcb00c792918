package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/selection"
)

type call struct {
	op     string
	id     selection.TransferID
	target string
	reuse  bool
}

type fakeTransport struct {
	next    selection.TransferID
	calls   []call
	dataErr map[string]error
}

func (f *fakeTransport) NewTransfer() (selection.TransferID, error) {
	f.next++
	return f.next, nil
}

func (f *fakeTransport) RequestTargets(id selection.TransferID) error {
	f.calls = append(f.calls, call{op: "targets", id: id})
	return nil
}

func (f *fakeTransport) RequestData(id selection.TransferID, target string) error {
	f.calls = append(f.calls, call{op: "data", id: id, target: target})
	return f.dataErr[target]
}

func (f *fakeTransport) CloseTransfer(id selection.TransferID, reuse bool) {
	f.calls = append(f.calls, call{op: "close", id: id, reuse: reuse})
}

func (f *fakeTransport) last() call { return f.calls[len(f.calls)-1] }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newPipeline(cfg Config) (*Pipeline, *fakeTransport, *clock, *[]history.Item) {
	tr := &fakeTransport{dataErr: map[string]error{}}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	cfg.Now = clk.Now
	var out []history.Item
	p := New(selection.Clipboard, tr, cfg, func(it history.Item) { out = append(out, it) })
	return p, tr, clk, &out
}

func TestCaptureIncrementalImage(t *testing.T) {
	p, tr, _, out := newPipeline(Config{})
	p.Start(42, "gimp")
	require.Equal(t, call{op: "targets", id: 1}, tr.last())

	p.Targets(1, []string{"TARGETS", "UTF8_STRING", "image/png"}, true)
	require.Equal(t, call{op: "data", id: 1, target: "image/png"}, tr.last())

	p.Data(1, "image/png", nil, true, true)
	for _, c := range []string{"aa", "bb", "cc", "dd"} {
		p.Chunk(1, []byte(c))
	}
	assert.Empty(t, *out)
	p.Chunk(1, nil)

	require.Len(t, *out, 1)
	it := (*out)[0]
	assert.Equal(t, format.Image, it.Kind)
	assert.Equal(t, "image/png", it.MIME)
	assert.Equal(t, "aabbccdd", string(it.Payload))
	assert.Equal(t, selection.Clipboard, it.Channel)
	assert.Equal(t, "gimp", it.Metadata[history.MetaSourceApp])
	assert.Equal(t, call{op: "close", id: 1, reuse: true}, tr.last())
	assert.Zero(t, p.Pending())
}

func TestCaptureFallsThroughRefusedFormats(t *testing.T) {
	p, tr, _, out := newPipeline(Config{})
	tr.dataErr["image/png"] = errors.New("bad atom")
	p.Start(7, "")
	p.Targets(1, []string{"image/png", "text/html", "UTF8_STRING"}, true)
	// png failed to send, so the next candidate goes out immediately.
	require.Equal(t, call{op: "data", id: 1, target: "UTF8_STRING"}, tr.last())

	p.Data(1, "UTF8_STRING", nil, false, false)
	require.Equal(t, call{op: "data", id: 1, target: "text/html"}, tr.last())

	p.Data(1, "text/html", []byte("<b>x</b>"), false, true)
	require.Len(t, *out, 1)
	assert.Equal(t, format.RichText, (*out)[0].Kind)
	assert.Equal(t, map[string]string{history.MetaOwner: "7"}, (*out)[0].Metadata)
}

func TestCaptureNoUsableFormat(t *testing.T) {
	p, tr, _, out := newPipeline(Config{})
	p.Start(7, "")
	p.Targets(1, []string{"TARGETS", "TIMESTAMP", "MULTIPLE"}, true)
	assert.Empty(t, *out)
	assert.Equal(t, call{op: "close", id: 1, reuse: true}, tr.last())
}

func TestCapturePasswordHintDropsCapture(t *testing.T) {
	p, tr, _, out := newPipeline(Config{})
	p.Start(7, "keepassxc")
	p.Targets(1, []string{"UTF8_STRING", format.PasswordHint}, true)
	assert.Empty(t, *out)
	for _, c := range tr.calls {
		assert.NotEqual(t, "data", c.op)
	}
}

func TestCaptureTimeoutDiscardsPartial(t *testing.T) {
	p, tr, clk, out := newPipeline(Config{Timeout: time.Second})
	p.Start(7, "")
	p.Targets(1, []string{"UTF8_STRING"}, true)
	p.Data(1, "UTF8_STRING", nil, true, true)
	p.Chunk(1, []byte("partial"))

	clk.now = clk.now.Add(900 * time.Millisecond)
	p.Expire(clk.now)
	assert.Equal(t, 1, p.Pending())

	clk.now = clk.now.Add(2 * time.Second)
	p.Expire(clk.now)
	assert.Zero(t, p.Pending())
	assert.Empty(t, *out)
	assert.Equal(t, call{op: "close", id: 1, reuse: false}, tr.last())

	// Late chunks for the retired transfer are ignored.
	p.Chunk(1, nil)
	assert.Empty(t, *out)
}

func TestCaptureDeliversInStartOrder(t *testing.T) {
	p, _, _, out := newPipeline(Config{})
	p.Start(1, "")
	p.Start(2, "")
	p.Targets(2, []string{"UTF8_STRING"}, true)
	p.Data(2, "UTF8_STRING", []byte("second"), false, true)
	assert.Empty(t, *out, "a later capture waits for the earlier one")

	p.Targets(1, []string{"UTF8_STRING"}, true)
	p.Data(1, "UTF8_STRING", []byte("first"), false, true)
	require.Len(t, *out, 2)
	assert.Equal(t, "first", string((*out)[0].Payload))
	assert.Equal(t, "second", string((*out)[1].Payload))
}

func TestCaptureOversizeReject(t *testing.T) {
	p, tr, _, out := newPipeline(Config{MaxSize: 4})
	p.Start(1, "")
	p.Targets(1, []string{"UTF8_STRING"}, true)
	p.Data(1, "UTF8_STRING", nil, true, true)
	p.Chunk(1, []byte("abc"))
	p.Chunk(1, []byte("def"))
	assert.Empty(t, *out)
	assert.Equal(t, call{op: "close", id: 1, reuse: false}, tr.last())
}

func TestCaptureOversizeTruncate(t *testing.T) {
	p, _, _, out := newPipeline(Config{MaxSize: 4, Oversize: Truncate})
	p.Start(1, "")
	p.Targets(1, []string{"UTF8_STRING"}, true)
	p.Data(1, "UTF8_STRING", []byte("abcdef"), false, true)
	require.Len(t, *out, 1)
	assert.Equal(t, "abcd", string((*out)[0].Payload))
	assert.Equal(t, "true", (*out)[0].Metadata[history.MetaTruncated])
}

func TestCaptureIgnoresStrayReplies(t *testing.T) {
	p, _, _, out := newPipeline(Config{})
	p.Targets(9, []string{"UTF8_STRING"}, true)
	p.Data(9, "UTF8_STRING", []byte("x"), false, true)
	p.Chunk(9, []byte("x"))
	assert.Empty(t, *out)

	p.Start(1, "")
	// Data before targets is out of phase.
	p.Data(1, "UTF8_STRING", []byte("x"), false, true)
	assert.Empty(t, *out)
	assert.Equal(t, 1, p.Pending())
}

func TestParseOversize(t *testing.T) {
	o, err := ParseOversize("truncate")
	require.NoError(t, err)
	assert.Equal(t, Truncate, o)
	o, err = ParseOversize("")
	require.NoError(t, err)
	assert.Equal(t, Reject, o)
	_, err = ParseOversize("drop")
	assert.Error(t, err)
}
