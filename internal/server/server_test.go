package server

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipkeep/internal/capture"
	"go.klb.dev/clipkeep/internal/config"
	"go.klb.dev/clipkeep/internal/engine"
	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/paste"
	"go.klb.dev/clipkeep/internal/selection"
	"go.klb.dev/clipkeep/internal/wire"
)

const focused selection.Window = 0x77

type injected struct {
	w selection.Window
	s paste.Stroke
}

// fakeDisplay answers captures from a fixed offer and optionally confirms
// claims. Every engine-facing method runs on the server loop.
type fakeDisplay struct {
	events chan engine.Event

	mu      sync.Mutex
	owner   selection.Window
	confirm bool
	targets []string
	data    map[string][]byte
	nextID  selection.TransferID
	claims  int
	sent    [][]byte
	refused int
	strokes []injected
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{events: make(chan engine.Event, 64), data: map[string][]byte{}}
}

func (f *fakeDisplay) offer(target string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = []string{engine.TargetTargets, target}
	f.data = map[string][]byte{target: data}
}

func (f *fakeDisplay) push(ev engine.Event) { f.events <- ev }

func (f *fakeDisplay) MaxChunk() int                 { return 1 << 20 }
func (f *fakeDisplay) Events() <-chan engine.Event   { return f.events }
func (f *fakeDisplay) Run(ctx context.Context) error { <-ctx.Done(); return nil }

func (f *fakeDisplay) CurrentOwner() (selection.Window, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner, "", nil
}

func (f *fakeDisplay) NewTransfer() (selection.TransferID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeDisplay) RequestTargets(id selection.TransferID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events <- engine.TargetsReply{ID: id, Targets: f.targets, OK: len(f.targets) > 0}
	return nil
}

func (f *fakeDisplay) RequestData(id selection.TransferID, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[target]
	f.events <- engine.DataReply{ID: id, Target: target, Data: d, OK: ok}
	return nil
}

func (f *fakeDisplay) CloseTransfer(selection.TransferID, bool) {}

func (f *fakeDisplay) Claim() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.confirm {
		f.events <- engine.OwnerChanged{Owner: 1, Ours: true, Time: 42}
	}
	return nil
}

func (f *fakeDisplay) Disown(uint32) error { return nil }

func (f *fakeDisplay) SendTargets(selection.Request, []string) error { return nil }
func (f *fakeDisplay) SendTimestamp(selection.Request, uint32) error { return nil }

func (f *fakeDisplay) SendData(_ selection.Request, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeDisplay) SendIncr(selection.Request, int) error     { return nil }
func (f *fakeDisplay) SendChunk(selection.Request, []byte) error { return nil }
func (f *fakeDisplay) EndServe(selection.Request)                {}

func (f *fakeDisplay) Refuse(selection.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refused++
	return nil
}

func (f *fakeDisplay) FocusedWindow() (selection.Window, error) { return focused, nil }

func (f *fakeDisplay) AppIdentity(selection.Window) (string, string, error) {
	return "xterm", "XTerm", nil
}

func (f *fakeDisplay) Inject(w selection.Window, s paste.Stroke) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strokes = append(f.strokes, injected{w, s})
	return nil
}

func (f *fakeDisplay) snapshot() (claims int, sent [][]byte, strokes []injected) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims, append([][]byte(nil), f.sent...), append([]injected(nil), f.strokes...)
}

type harness struct {
	disp  *fakeDisplay
	store history.Store
	sock  string
}

func start(t *testing.T, disp *fakeDisplay, claimTimeout time.Duration) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := history.Open(history.Config{Dir: dir, Policy: history.Policy{MaxItems: 100}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return startWith(t, disp, store, claimTimeout)
}

func startWith(t *testing.T, disp *fakeDisplay, store history.Store, claimTimeout time.Duration) *harness {
	t.Helper()
	keymap, err := paste.NewKeymap(paste.DefaultClipboard, nil)
	require.NoError(t, err)
	cfg := config.Server{
		Channel: selection.Clipboard,
		Engine: engine.Config{
			ClaimTimeout: claimTimeout,
			Capture:      capture.Config{Registry: format.Default(), Timeout: time.Second},
		},
		Keymap: keymap,
		Dedupe: true,
		Merge:  true,
	}

	sock := filepath.Join(t.TempDir(), "ck.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(disp, store, cfg, Options{Backend: "fake", Listener: ln, Tick: 10 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return &harness{disp: disp, store: store, sock: sock}
}

func (h *harness) dial(t *testing.T) *wire.Conn {
	t.Helper()
	c, err := net.Dial("unix", h.sock)
	require.NoError(t, err)
	wc := wire.New(c)
	t.Cleanup(func() { _ = wc.Close() })
	return wc
}

func (h *harness) call(t *testing.T, req *message.Message) *message.Message {
	t.Helper()
	resp, err := h.dial(t).Roundtrip(req)
	require.NoError(t, err)
	return resp
}

func (h *harness) status(t *testing.T) *message.StatusInfo {
	t.Helper()
	resp := h.call(t, &message.Message{Type: message.TypeStatus})
	require.Equal(t, message.TypeStatusResponse, resp.Type)
	return resp.Status
}

func (h *harness) lastID(t *testing.T) uint64 {
	st, err := h.store.Stats()
	require.NoError(t, err)
	return st.LastID
}

func TestCaptureAppendsInOrderAndDedupes(t *testing.T) {
	d := newFakeDisplay()
	h := start(t, d, time.Second)

	d.offer("UTF8_STRING", []byte("hello"))
	d.push(engine.OwnerChanged{Owner: 9})
	require.Eventually(t, func() bool { return h.lastID(t) == 1 }, 2*time.Second, 10*time.Millisecond)

	d.push(engine.OwnerChanged{Owner: 10})
	require.Eventually(t, func() bool { return h.status(t).PendingCaptures == 0 }, 2*time.Second, 10*time.Millisecond)
	d.offer("UTF8_STRING", []byte("world"))
	d.push(engine.OwnerChanged{Owner: 11})
	require.Eventually(t, func() bool { return h.lastID(t) == 2 }, 2*time.Second, 10*time.Millisecond)

	it, err := h.store.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), it.Payload)
	assert.Equal(t, format.Text, it.Kind)
	assert.Equal(t, "capture", it.Metadata[history.MetaOrigin])
}

func (h *harness) payloads(t *testing.T) []string {
	t.Helper()
	var out []string
	for it, err := range h.store.List(history.Filter{}) {
		require.NoError(t, err)
		out = append(out, string(it.Payload))
	}
	return out
}

// capture offers data from owner and waits until it is stored as id.
func (h *harness) capture(t *testing.T, owner selection.Window, data string, id uint64) {
	t.Helper()
	h.disp.offer("UTF8_STRING", []byte(data))
	h.disp.push(engine.OwnerChanged{Owner: owner})
	require.Eventually(t, func() bool { return h.lastID(t) == id }, 2*time.Second, 10*time.Millisecond)
}

func TestGrowingSelectionFromOneOwnerIsMerged(t *testing.T) {
	h := start(t, newFakeDisplay(), time.Second)

	h.capture(t, 9, "hel", 1)
	h.capture(t, 9, "hello", 2)
	assert.Equal(t, []string{"hello"}, h.payloads(t))
	_, err := h.store.Get(1)
	assert.ErrorIs(t, err, history.ErrNotFound)

	// Shrinking merges too.
	h.capture(t, 9, "hell", 3)
	assert.Equal(t, []string{"hell"}, h.payloads(t))

	// A different owner, or unrelated text, starts a new item.
	h.capture(t, 12, "hello world", 4)
	h.capture(t, 12, "bye", 5)
	assert.Equal(t, []string{"hell", "hello world", "bye"}, h.payloads(t))

	it, err := h.store.Get(5)
	require.NoError(t, err)
	assert.Equal(t, "12", it.Metadata[history.MetaOwner])
}

func TestOlderDuplicateMovesToFront(t *testing.T) {
	h := start(t, newFakeDisplay(), time.Second)

	h.capture(t, 9, "a", 1)
	h.capture(t, 10, "b", 2)
	h.capture(t, 11, "a", 3)
	assert.Equal(t, []string{"b", "a"}, h.payloads(t))
	_, err := h.store.Get(1)
	assert.ErrorIs(t, err, history.ErrNotFound)

	// The re-captured item is never merged away by its owner's next
	// selection.
	h.capture(t, 11, "ab", 4)
	assert.Equal(t, []string{"b", "a", "ab"}, h.payloads(t))
}

func TestPrimeCapturesExistingOwner(t *testing.T) {
	d := newFakeDisplay()
	d.owner = 5
	d.offer("image/png", []byte("\x89PNG"))
	h := start(t, d, time.Second)

	require.Eventually(t, func() bool { return h.lastID(t) == 1 }, 2*time.Second, 10*time.Millisecond)
	it, err := h.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "image/png", it.MIME)
}

func TestPasteClaimsThenInjects(t *testing.T) {
	dir := t.TempDir()
	store, err := history.Open(history.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	x, err := store.Append(history.Item{Channel: selection.Primary, CreatedAt: time.Now(), Kind: format.Text, MIME: "UTF8_STRING", Payload: []byte("X")})
	require.NoError(t, err)

	d := newFakeDisplay()
	d.confirm = true
	h := startWith(t, d, store, time.Second)

	resp := h.call(t, &message.Message{Type: message.TypePaste, ID: x})
	require.NoError(t, resp.Err())
	assert.Equal(t, x, resp.ID)

	claims, _, strokes := d.snapshot()
	assert.Equal(t, 1, claims)
	want, err := paste.ParseSequence(paste.DefaultClipboard)
	require.NoError(t, err)
	require.Len(t, strokes, len(want))
	assert.Equal(t, injected{focused, want[0]}, strokes[0])

	st := h.status(t)
	assert.Equal(t, "owned", st.State)
	require.NotNil(t, st.Served)
	assert.Equal(t, x, st.Served.ID)

	d.push(engine.ConversionRequested{Request: selection.Request{Requestor: 3, Target: "UTF8_STRING", Property: 4}})
	require.Eventually(t, func() bool {
		_, sent, _ := d.snapshot()
		return len(sent) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, sent, _ := d.snapshot()
	assert.Equal(t, []byte("X"), sent[0])
}

func TestPasteWithoutConfirmationSendsNoKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := history.Open(history.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	id, err := store.Append(history.Item{Channel: selection.Clipboard, CreatedAt: time.Now(), Kind: format.Text, MIME: "UTF8_STRING", Payload: []byte("x")})
	require.NoError(t, err)

	d := newFakeDisplay()
	h := startWith(t, d, store, 100*time.Millisecond)

	resp := h.call(t, &message.Message{Type: message.TypePaste, ID: id})
	require.Error(t, resp.Err())
	assert.Contains(t, resp.Error, "claim failed")

	_, _, strokes := d.snapshot()
	assert.Empty(t, strokes)
	assert.Equal(t, "unowned", h.status(t).State)
}

func TestPasteUnknownItem(t *testing.T) {
	h := start(t, newFakeDisplay(), time.Second)
	resp := h.call(t, &message.Message{Type: message.TypePaste, ID: 99})
	assert.EqualError(t, resp.Err(), "server: item 99 not found")
}

func TestCopyStoresAndClaims(t *testing.T) {
	d := newFakeDisplay()
	d.confirm = true
	h := start(t, d, time.Second)

	resp := h.call(t, &message.Message{Type: message.TypeCopy, Items: []message.Item{message.NewTextItem("piped")}})
	require.NoError(t, resp.Err())
	require.NotZero(t, resp.ID)

	it, err := h.store.Get(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("piped"), it.Payload)
	assert.Equal(t, "copy", it.Metadata[history.MetaOrigin])

	claims, _, strokes := d.snapshot()
	assert.Equal(t, 1, claims)
	assert.Empty(t, strokes)

	// The same content again resolves to the stored item.
	again := h.call(t, &message.Message{Type: message.TypeCopy, Items: []message.Item{message.NewTextItem("piped")}})
	require.NoError(t, again.Err())
	assert.Equal(t, resp.ID, again.ID)
}

func TestCopyRejectsEmpty(t *testing.T) {
	h := start(t, newFakeDisplay(), time.Second)
	resp := h.call(t, &message.Message{Type: message.TypeCopy})
	assert.Error(t, resp.Err())
	resp = h.call(t, &message.Message{Type: message.TypeCopy, Items: []message.Item{message.NewTextItem("")}})
	assert.Error(t, resp.Err())
}

func TestWatchStreamsAppends(t *testing.T) {
	d := newFakeDisplay()
	h := start(t, d, time.Second)

	wc := h.dial(t)
	require.NoError(t, wc.WriteMsg(&message.Message{Type: message.TypeWatch}))
	require.Eventually(t, func() bool { return h.status(t).Watchers == 1 }, 2*time.Second, 10*time.Millisecond)

	d.offer("UTF8_STRING", []byte("seen"))
	d.push(engine.OwnerChanged{Owner: 9})

	wc.SetReadDeadline(2 * time.Second)
	msg, err := wc.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, message.TypeItem, msg.Type)
	require.NotNil(t, msg.Info)
	assert.Equal(t, uint64(1), msg.Info.ID)
	assert.Equal(t, "CLIPBOARD", msg.Info.Channel)
	assert.Equal(t, 4, msg.Info.Size)
}

func TestWatchFiltersByKind(t *testing.T) {
	d := newFakeDisplay()
	h := start(t, d, time.Second)

	wc := h.dial(t)
	require.NoError(t, wc.WriteMsg(&message.Message{Type: message.TypeWatch, Kinds: []string{"image"}}))
	require.Eventually(t, func() bool { return h.status(t).Watchers == 1 }, 2*time.Second, 10*time.Millisecond)

	h.capture(t, 9, "text first", 1)
	d.offer("image/png", []byte("\x89PNG"))
	d.push(engine.OwnerChanged{Owner: 10})

	wc.SetReadDeadline(2 * time.Second)
	msg, err := wc.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), msg.ID)
	assert.Equal(t, "image/png", msg.Info.MIME)
}

func TestWatchRejectsUnknownKind(t *testing.T) {
	h := start(t, newFakeDisplay(), time.Second)
	resp := h.call(t, &message.Message{Type: message.TypeWatch, Kinds: []string{"video"}})
	assert.ErrorContains(t, resp.Err(), "unknown format kind")
}

func TestCopyRejectsUnstorableFormat(t *testing.T) {
	h := start(t, newFakeDisplay(), time.Second)
	item := message.NewTextItem("x")
	item.MIME = "TARGETS"
	resp := h.call(t, &message.Message{Type: message.TypeCopy, Items: []message.Item{item}})
	assert.ErrorContains(t, resp.Err(), "not stored")
}

func TestUnknownRequest(t *testing.T) {
	h := start(t, newFakeDisplay(), time.Second)
	resp := h.call(t, &message.Message{Type: "NOPE"})
	assert.Error(t, resp.Err())
}
