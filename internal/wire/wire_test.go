package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipkeep/internal/message"
)

func TestWriteReadOverPipe(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := New(a), New(b)
	defer ca.Close()
	defer cb.Close()

	big := make([]byte, 200*1024)
	for i := range big {
		big[i] = byte(i)
	}
	go func() {
		_ = ca.WriteMsg(&message.Message{Type: message.TypePaste, ID: 7, Window: 0x1400003})
		_ = ca.WriteMsg(&message.Message{Type: message.TypeCopy, Items: []message.Item{message.NewBinaryItem("image/png", big)}})
	}()

	m, err := cb.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, message.TypePaste, m.Type)
	assert.Equal(t, uint64(7), m.ID)
	assert.Equal(t, uint32(0x1400003), m.Window)

	m, err = cb.ReadMsg()
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	got, err := m.Items[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestReadRejectsGarbage(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	cb := New(b)
	defer cb.Close()

	go func() { _, _ = a.Write([]byte("not json\n")) }()
	_, err := cb.ReadMsg()
	assert.Error(t, err)
}

func TestErrorMessage(t *testing.T) {
	m := message.Errorf("no item %d", 4)
	assert.EqualError(t, m.Err(), "server: no item 4")
	assert.NoError(t, (&message.Message{Type: message.TypeOK}).Err())
}
