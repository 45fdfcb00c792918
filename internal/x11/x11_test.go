package x11

import (
	"testing"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitClass(t *testing.T) {
	inst, class := splitClass([]byte("xterm\x00XTerm\x00"))
	assert.Equal(t, "xterm", inst)
	assert.Equal(t, "XTerm", class)

	inst, class = splitClass([]byte("solo\x00"))
	assert.Equal(t, "solo", inst)
	assert.Empty(t, class)
}

func TestAtomListRoundTrip(t *testing.T) {
	atoms := []xproto.Atom{xproto.AtomAtom, 300, 0xdeadbeef}
	assert.Equal(t, atoms, atomList(putAtoms(atoms)))
	// Trailing partial words are ignored.
	assert.Len(t, atomList([]byte{1, 0, 0, 0, 2, 0}), 1)
}

func TestPoolReusesAndCaps(t *testing.T) {
	var next xproto.Window = 100
	var destroyed []xproto.Window
	p := newPool(func() (xproto.Window, error) {
		next++
		return next, nil
	}, func(w xproto.Window) { destroyed = append(destroyed, w) })

	w1, err := p.get()
	require.NoError(t, err)
	p.put(w1)
	w2, err := p.get()
	require.NoError(t, err)
	assert.Equal(t, w1, w2)

	var ws []xproto.Window
	for range poolMax + 2 {
		w, err := p.get()
		require.NoError(t, err)
		ws = append(ws, w)
	}
	for _, w := range ws {
		p.put(w)
	}
	assert.Len(t, destroyed, 2)
}

func TestMoreToRead(t *testing.T) {
	const step = 1 << 20
	tests := []struct {
		name             string
		after            uint32
		got, have, limit int
		want             bool
	}{
		{"done", 0, step, step, 0, false},
		{"empty piece", 10, 0, step, 0, false},
		{"unlimited keeps going past 16MiB", 1, step, 40 << 20, 0, true},
		{"under the cap", 1, step, 5 << 20, 10 << 20, true},
		{"exactly at the cap reads one more", 1, step, 10 << 20, 10 << 20, true},
		{"over the cap stops", 1, step, 11 << 20, 10 << 20, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, moreToRead(tt.after, tt.got, tt.have, tt.limit))
		})
	}
}
