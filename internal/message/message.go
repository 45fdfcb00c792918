// Package message defines the clipkeep control protocol spoken over the local
// socket between the CLI (or a picker UI) and a running server.
//
// All messages are newline-delimited JSON. Payloads are always base64-encoded
// so that binary content (images, etc.) is safe to embed in JSON strings.
// Each message is exactly one line: <json>\n
package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of message.
type Type string

const (
	// TypePaste asks the server to claim item ID and paste it into Window
	// (the focused window when zero).
	TypePaste Type = "PASTE"
	// TypeCopy appends Items[0] to history and claims it.
	TypeCopy Type = "COPY"
	// TypeStatus asks for a StatusInfo.
	TypeStatus         Type = "STATUS"
	TypeStatusResponse Type = "STATUS_RESPONSE"
	// TypeWatch subscribes to appended items; the server answers with a
	// stream of TypeItem messages until the connection closes.
	TypeWatch Type = "WATCH"
	TypeItem  Type = "ITEM"
	TypeOK    Type = "OK"
	TypeError Type = "ERROR"
)

// Item is a single clipboard representation with a MIME type.
// Data is always base64-encoded.
type Item struct {
	MIME string `json:"mime"`
	Data string `json:"data"` // base64-encoded
}

// NewTextItem creates a UTF8_STRING Item from a plain string.
func NewTextItem(text string) Item {
	return NewBinaryItem("UTF8_STRING", []byte(text))
}

// NewBinaryItem creates an Item from raw bytes with the given MIME type.
func NewBinaryItem(mime string, data []byte) Item {
	return Item{
		MIME: mime,
		Data: base64.StdEncoding.EncodeToString(data),
	}
}

// Decode returns the raw bytes of the item payload.
func (it Item) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(it.Data)
}

// ItemInfo describes a history item without its payload.
type ItemInfo struct {
	ID        uint64    `json:"id"`
	Channel   string    `json:"channel"`
	Kind      string    `json:"kind"`
	MIME      string    `json:"mime"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusInfo is the body of a STATUS_RESPONSE.
type StatusInfo struct {
	Channel         string           `json:"channel"`
	Backend         string           `json:"backend"`
	State           string           `json:"state"`
	Served          *ItemInfo        `json:"served,omitempty"`
	PendingCaptures int              `json:"pending_captures"`
	ActiveServes    int              `json:"active_serves"`
	Watchers        int              `json:"watchers"`
	StartedAt       time.Time        `json:"started_at"`
	StoreItems      map[string]int   `json:"store_items,omitempty"`
	StoreBytes      map[string]int64 `json:"store_bytes,omitempty"`
	LastID          uint64           `json:"last_id"`
}

// Message is the top-level wire envelope.
type Message struct {
	// Always present
	Type Type `json:"type"`

	// PASTE, OK (COPY), ITEM
	ID uint64 `json:"id,omitempty"`
	// PASTE
	Window uint32 `json:"window,omitempty"`

	// COPY
	Items []Item `json:"items,omitempty"`

	// WATCH: restrict events to these format kinds
	Kinds []string `json:"kinds,omitempty"`

	// ITEM
	Info *ItemInfo `json:"info,omitempty"`

	// STATUS_RESPONSE
	Status *StatusInfo `json:"status,omitempty"`

	// ERROR
	Error string `json:"error,omitempty"`
}

// Encode serialises the message to JSON without a trailing newline.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserialises a message from raw JSON bytes.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("message decode: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("message decode: missing type")
	}
	return &m, nil
}

// Errorf builds an ERROR message.
func Errorf(format string, args ...any) *Message {
	return &Message{Type: TypeError, Error: fmt.Sprintf(format, args...)}
}

// Err returns the error carried by an ERROR message, or nil.
func (m *Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	return fmt.Errorf("server: %s", m.Error)
}
