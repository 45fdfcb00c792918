// Package wire handles reading and writing newline-delimited JSON messages
// over a net.Conn.
//
// Wire format:
//
//	<json>\n
//
// Every line is a single message.
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"time"

	"go.klb.dev/clipkeep/internal/message"
)

const (
	// MaxMessageSize is the largest message we will read (64 MiB). A COPY of
	// a large image is base64 inside JSON, so this is well above the default
	// capture ceiling.
	MaxMessageSize = 64 * 1024 * 1024

	writeDeadline = 5 * time.Second
)

// Conn wraps a net.Conn with buffered newline-delimited JSON framing.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
}

// New wraps conn.
func New(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 64*1024),
	}
}

// SetReadDeadline sets or clears the read deadline.
func (c *Conn) SetReadDeadline(d time.Duration) {
	if d == 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// WriteMsg serialises msg to JSON and writes it followed by a newline.
func (c *Conn) WriteMsg(msg *message.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	line := append(raw, '\n')

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err = c.conn.Write(line)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// ReadMsg reads one newline-terminated line and deserialises it into a
// Message. Lines longer than MaxMessageSize are rejected without buffering
// them whole.
func (c *Conn) ReadMsg() (*message.Message, error) {
	var line []byte
	for {
		frag, err := c.br.ReadSlice('\n')
		if len(line)+len(frag) > MaxMessageSize {
			return nil, fmt.Errorf("message too large (over %d bytes)", MaxMessageSize)
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
	return message.Decode(bytes.TrimSuffix(line, []byte("\n")))
}

// Roundtrip writes req and reads one reply.
func (c *Conn) Roundtrip(req *message.Message) (*message.Message, error) {
	if err := c.WriteMsg(req); err != nil {
		return nil, err
	}
	return c.ReadMsg()
}
