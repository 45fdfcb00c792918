package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/selection"
)

type recorder struct {
	id     string
	filter Filter
	got    []Event
}

func (r *recorder) ID() string     { return r.id }
func (r *recorder) Filter() Filter { return r.filter }
func (r *recorder) Send(ev Event)  { r.got = append(r.got, ev) }

func TestPublishFiltersByChannelAndKind(t *testing.T) {
	h := New()
	all := &recorder{id: "all"}
	prim := &recorder{id: "prim", filter: Filter{Channel: selection.Primary}}
	imgs := &recorder{id: "imgs", filter: Filter{Kinds: []format.Kind{format.Image}}}
	h.Register(all)
	h.Register(prim)
	h.Register(imgs)
	assert.Equal(t, 3, h.Len())

	h.Publish(Event{ID: 1, Channel: selection.Clipboard, Kind: format.Text})
	h.Publish(Event{ID: 2, Channel: selection.Primary, Kind: format.Image})

	assert.Len(t, all.got, 2)
	assert.Equal(t, []Event{{ID: 2, Channel: selection.Primary, Kind: format.Image}}, prim.got)
	assert.Len(t, imgs.got, 1)

	h.Unregister(all)
	h.Publish(Event{ID: 3, Channel: selection.Clipboard, Kind: format.Text})
	assert.Len(t, all.got, 2)
}

func TestRegisterDeliversHead(t *testing.T) {
	h := New()
	h.Publish(Event{ID: 4, Channel: selection.Clipboard})
	h.Publish(Event{ID: 2, Channel: selection.Primary})
	h.Publish(Event{ID: 1, Channel: selection.Clipboard})

	r := &recorder{id: "late"}
	h.Register(r)
	if assert.Len(t, r.got, 2) {
		assert.Equal(t, uint64(2), r.got[0].ID)
		assert.Equal(t, uint64(4), r.got[1].ID)
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "héllo", Preview([]byte("héllo"), 10))
	assert.Equal(t, "hé…", Preview([]byte("héllo"), 2))
}
