package x11

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

// atomCache memoizes atom interning in both directions. Atoms never change
// for the lifetime of an X server, so entries never expire.
type atomCache struct {
	x      *xgb.Conn
	mu     sync.Mutex
	byName map[string]xproto.Atom
	byAtom map[xproto.Atom]string
}

func newAtomCache(x *xgb.Conn) *atomCache {
	return &atomCache{
		x:      x,
		byName: make(map[string]xproto.Atom),
		byAtom: make(map[xproto.Atom]string),
	}
}

func (a *atomCache) intern(name string) (xproto.Atom, error) {
	a.mu.Lock()
	at, ok := a.byName[name]
	a.mu.Unlock()
	if ok {
		return at, nil
	}
	r, err := xproto.InternAtom(a.x, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("intern atom %s: %w", name, err)
	}
	a.put(name, r.Atom)
	return r.Atom, nil
}

func (a *atomCache) name(at xproto.Atom) (string, error) {
	a.mu.Lock()
	n, ok := a.byAtom[at]
	a.mu.Unlock()
	if ok {
		return n, nil
	}
	r, err := xproto.GetAtomName(a.x, at).Reply()
	if err != nil {
		return "", fmt.Errorf("atom name %d: %w", at, err)
	}
	a.put(r.Name, at)
	return r.Name, nil
}

// names resolves a list of atoms, dropping any the server cannot name.
func (a *atomCache) names(atoms []xproto.Atom) []string {
	out := make([]string, 0, len(atoms))
	for _, at := range atoms {
		if at == xproto.AtomNone {
			continue
		}
		if n, err := a.name(at); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func (a *atomCache) put(name string, at xproto.Atom) {
	a.mu.Lock()
	a.byName[name] = at
	a.byAtom[at] = name
	a.mu.Unlock()
}

// atomList decodes a format-32 ATOM property value.
func atomList(b []byte) []xproto.Atom {
	out := make([]xproto.Atom, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, xproto.Atom(xgb.Get32(b[i:])))
	}
	return out
}

// putAtoms encodes atoms as a format-32 property value.
func putAtoms(atoms []xproto.Atom) []byte {
	b := make([]byte, 4*len(atoms))
	for i, at := range atoms {
		xgb.Put32(b[i*4:], uint32(at))
	}
	return b
}
