package paste

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Keysym is an X keysym.
type Keysym uint32

// Modifier keysyms.
const (
	KeyShiftL   Keysym = 0xffe1
	KeyControlL Keysym = 0xffe3
	KeyAltL     Keysym = 0xffe9
	KeySuperL   Keysym = 0xffeb
)

var modifiers = map[string]Keysym{
	"ctrl":    KeyControlL,
	"control": KeyControlL,
	"shift":   KeyShiftL,
	"alt":     KeyAltL,
	"mod1":    KeyAltL,
	"super":   KeySuperL,
	"mod4":    KeySuperL,
	"meta":    KeySuperL,
}

var named = map[string]Keysym{
	"insert":    0xff63,
	"ins":       0xff63,
	"return":    0xff0d,
	"enter":     0xff0d,
	"tab":       0xff09,
	"space":     0x0020,
	"escape":    0xff1b,
	"esc":       0xff1b,
	"backspace": 0xff08,
	"delete":    0xffff,
	"del":       0xffff,
	"home":      0xff50,
	"end":       0xff57,
	"menu":      0xff67,
}

var displayNames = map[Keysym]string{
	0xff63: "insert",
	0xff0d: "return",
	0xff09: "tab",
	0x0020: "space",
	0xff1b: "escape",
	0xff08: "backspace",
	0xffff: "delete",
	0xff50: "home",
	0xff57: "end",
	0xff67: "menu",
}

// Stroke is one synthetic input gesture: a key chord, or a pointer button
// click at the current pointer position.
type Stroke struct {
	Modifiers []Keysym
	Key       Keysym
	Button    uint8
}

// IsButton reports whether s is a pointer click.
func (s Stroke) IsButton() bool { return s.Button != 0 }

func (s Stroke) String() string {
	if s.IsButton() {
		return fmt.Sprintf("button%d", s.Button)
	}
	var parts []string
	for _, m := range s.Modifiers {
		parts = append(parts, keysymName(m))
	}
	parts = append(parts, keysymName(s.Key))
	return strings.Join(parts, "+")
}

func keysymName(k Keysym) string {
	switch k {
	case KeyControlL:
		return "ctrl"
	case KeyShiftL:
		return "shift"
	case KeyAltL:
		return "alt"
	case KeySuperL:
		return "super"
	}
	if name, ok := displayNames[k]; ok {
		return name
	}
	if k >= 0x21 && k <= 0x7e {
		return string(rune(k))
	}
	return fmt.Sprintf("0x%x", uint32(k))
}

// ParseStroke parses "ctrl+shift+v", "shift+Insert", "button2" or "0xff63".
// Letters are case-insensitive; a shifted character needs an explicit shift.
func ParseStroke(spec string) (Stroke, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Stroke{}, fmt.Errorf("empty key stroke")
	}
	lower := strings.ToLower(spec)
	if b, ok := strings.CutPrefix(lower, "button"); ok {
		n, err := strconv.ParseUint(b, 10, 8)
		if err != nil || n < 1 || n > 5 {
			return Stroke{}, fmt.Errorf("bad pointer button %q", spec)
		}
		return Stroke{Button: uint8(n)}, nil
	}

	parts := strings.Split(spec, "+")
	// "ctrl++" names the plus key.
	if strings.HasSuffix(spec, "++") {
		parts = append(parts[:len(parts)-2], "+")
	}
	var s Stroke
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if i < len(parts)-1 {
			m, ok := modifiers[strings.ToLower(p)]
			if !ok {
				return Stroke{}, fmt.Errorf("unknown modifier %q in %q", p, spec)
			}
			s.Modifiers = append(s.Modifiers, m)
			continue
		}
		k, err := parseKey(p)
		if err != nil {
			return Stroke{}, fmt.Errorf("%q: %w", spec, err)
		}
		s.Key = k
	}
	return s, nil
}

func parseKey(p string) (Keysym, error) {
	if p == "" {
		return 0, fmt.Errorf("missing key")
	}
	l := strings.ToLower(p)
	if k, ok := named[l]; ok {
		return k, nil
	}
	if k, ok := modifiers[l]; ok {
		return k, nil
	}
	if h, ok := strings.CutPrefix(l, "0x"); ok {
		n, err := strconv.ParseUint(h, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("bad keysym %q", p)
		}
		return Keysym(n), nil
	}
	if len(l) >= 2 && l[0] == 'f' {
		if n, err := strconv.Atoi(l[1:]); err == nil && n >= 1 && n <= 24 {
			return Keysym(0xffbe + n - 1), nil
		}
	}
	r, size := utf8.DecodeRuneInString(l)
	if size == len(l) && r != utf8.RuneError && r >= 0x20 && r <= 0xff {
		// Latin-1 keysyms equal their code points.
		return Keysym(r), nil
	}
	return 0, fmt.Errorf("unknown key %q", p)
}

// ParseSequence parses a list of strokes performed in order.
func ParseSequence(specs []string) ([]Stroke, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("empty key sequence")
	}
	out := make([]Stroke, 0, len(specs))
	for _, sp := range specs {
		s, err := ParseStroke(sp)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
