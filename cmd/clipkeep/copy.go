package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/selection"
)

func newCopyCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy stdin into history and onto the selection",
		Long: `Reads stdin, appends it to history and makes the running server own
the selection with it, so it stays pasteable after the pipeline exits.

  git rev-parse HEAD | clipkeep copy
  clipkeep copy --mime image/png < screenshot.png`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runCopy(v) },
	}

	addSelectionFlag(cmd, string(selection.Clipboard), "selection to copy to: CLIPBOARD|PRIMARY")
	cmd.Flags().String("mime", "UTF8_STRING", "target the data is offered as")
	cmd.Flags().Bool("print-id", false, "print the id of the stored item")
	addConfigFlag(cmd)

	return cmd
}

func runCopy(v *viper.Viper) error {
	ch, err := channelOf(v)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	mime := v.GetString("mime")
	var item message.Item
	if mime == "UTF8_STRING" {
		item = message.NewTextItem(string(data))
	} else {
		item = message.NewBinaryItem(mime, data)
	}

	resp, err := request(ch, &message.Message{Type: message.TypeCopy, Items: []message.Item{item}})
	if err != nil {
		return err
	}
	slog.Debug("copied", "id", resp.ID, "bytes", len(data))
	if v.GetBool("print-id") {
		fmt.Println(resp.ID)
	}
	return nil
}
