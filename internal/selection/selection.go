// Package selection holds the identifiers shared by every layer of clipkeep:
// which selection channel an instance is bound to, what this process believes
// about its ownership, and the opaque handles the windowing system hands out.
package selection

import (
	"fmt"
	"strings"
)

// Channel names one of the two independent selections a server can be bound to.
type Channel string

const (
	Clipboard Channel = "CLIPBOARD"
	Primary   Channel = "PRIMARY"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{Clipboard, Primary}

// ParseChannel accepts a channel name in any letter case.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(Clipboard):
		return Clipboard, nil
	case string(Primary):
		return Primary, nil
	default:
		return "", fmt.Errorf("unknown selection %q (want CLIPBOARD or PRIMARY)", s)
	}
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool { return c == Clipboard || c == Primary }

// Lower returns the channel name in lower case, for file and socket names.
func (c Channel) Lower() string { return strings.ToLower(string(c)) }

func (c Channel) String() string { return string(c) }

// State is this process's view of its ownership of the bound channel. The
// windowing system is the authority; State only changes in response to its
// events.
type State int

const (
	// Unowned means some other client, or nobody, owns the selection.
	Unowned State = iota
	// ClaimPending means we asked for ownership and are waiting for the
	// windowing system to confirm it.
	ClaimPending
	// OwnedByUs means we are the owner and must answer conversion requests.
	OwnedByUs
)

func (s State) String() string {
	switch s {
	case Unowned:
		return "unowned"
	case ClaimPending:
		return "claim-pending"
	case OwnedByUs:
		return "owned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Window is a platform window handle.
type Window uint32

// None is the null window.
const None Window = 0

// TransferID identifies one in-flight capture transfer.
type TransferID uint32

// Request is a conversion request received from a foreign client while we own
// the selection. Property and Time are opaque to everything but the adapter
// that produced the request.
type Request struct {
	Requestor Window
	Target    string
	Property  uint32
	Time      uint32
}

// ServeKey identifies one incremental serve transfer.
type ServeKey struct {
	Requestor Window
	Property  uint32
}

// Key returns the serve key for an incremental answer to r.
func (r Request) Key() ServeKey { return ServeKey{Requestor: r.Requestor, Property: r.Property} }
