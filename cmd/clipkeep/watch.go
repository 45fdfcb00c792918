package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/ipc"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/selection"
	"go.klb.dev/clipkeep/internal/wire"
)

func newWatchCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the id of every item the server appends",
		Long: `Subscribes to a running server and prints one line per appended
history item until interrupted. The newest item is printed first.

  clipkeep watch --json | jq .
  clipkeep watch --kind image --kind files`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runWatch(v) },
	}

	addSelectionFlag(cmd, string(selection.Clipboard), "server to watch: CLIPBOARD|PRIMARY")
	cmd.Flags().Bool("json", false, "print item details as JSON lines")
	cmd.Flags().StringSlice("kind", nil, "only report items of these kinds: "+strings.Join(kindNames(), "|"))
	addConfigFlag(cmd)

	return cmd
}

func runWatch(v *viper.Viper) error {
	ch, err := channelOf(v)
	if err != nil {
		return err
	}
	conn, err := ipc.Dial(ch)
	if err != nil {
		return err
	}
	wc := wire.New(conn)
	defer wc.Close()

	if err := wc.WriteMsg(&message.Message{Type: message.TypeWatch, Kinds: v.GetStringSlice("kind")}); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	asJSON := v.GetBool("json")
	for {
		msg, err := wc.ReadMsg()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		if err := msg.Err(); err != nil {
			return err
		}
		if msg.Type != message.TypeItem {
			continue
		}
		if asJSON && msg.Info != nil {
			line, _ := json.Marshal(msg.Info)
			fmt.Println(string(line))
			continue
		}
		fmt.Println(msg.ID)
	}
}

func kindNames() []string {
	out := make([]string, len(format.Kinds))
	for i, k := range format.Kinds {
		out[i] = string(k)
	}
	return out
}
