package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/selection"
)

func newPasteCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "paste ID",
		Short: "Paste a history item into the focused window",
		Long: `Asks the running server to take the selection with history item ID
and, once the X server confirms it, to send the paste gesture (ctrl+v for
CLIPBOARD, a middle click for PRIMARY, or the per-application override) to the
focused window.

The item may come from either selection's history:

  clipkeep paste 42 --selection PRIMARY`,
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, args []string) error { return runPaste(v, args[0]) },
	}

	addSelectionFlag(cmd, string(selection.Clipboard), "selection to paste through: CLIPBOARD|PRIMARY")
	cmd.Flags().String("window", "", "target window id (default: the focused window), e.g. 0x1400003")
	addConfigFlag(cmd)

	return cmd
}

func runPaste(v *viper.Viper, arg string) error {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid item id %q", arg)
	}
	ch, err := channelOf(v)
	if err != nil {
		return err
	}
	var window uint64
	if w := v.GetString("window"); w != "" {
		if window, err = strconv.ParseUint(w, 0, 32); err != nil {
			return fmt.Errorf("invalid window id %q", w)
		}
	}
	_, err = request(ch, &message.Message{Type: message.TypePaste, ID: id, Window: uint32(window)})
	return err
}
