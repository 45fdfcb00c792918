package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/config"
	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/hub"
	"go.klb.dev/clipkeep/internal/ipc"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/selection"
	"go.klb.dev/clipkeep/internal/wire"
)

// request sends one message to ch's server and returns its reply. An ERROR
// reply is returned as an error.
func request(ch selection.Channel, req *message.Message) (*message.Message, error) {
	conn, err := ipc.Dial(ch)
	if err != nil {
		return nil, err
	}
	wc := wire.New(conn)
	defer wc.Close()

	resp, err := wc.Roundtrip(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.ToLower(string(req.Type)), err)
	}
	return resp, resp.Err()
}

// openStore opens the history the servers write to. The store is shared, so
// the selection only picks which per-channel overrides apply.
func openStore(v *viper.Viper) (history.Store, error) {
	ch, err := channelOf(v)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Resolve(v, ch)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return history.Open(cfg.Store)
}

// preview renders an item on one line.
func preview(it history.Item, n int) string {
	if it.Kind != format.Text && it.Kind != format.RichText {
		return "[" + it.MIME + "]"
	}
	s := strings.Join(strings.Fields(hub.Preview(it.Payload, n*2)), " ")
	return hub.Preview([]byte(s), n)
}

func fmtAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
