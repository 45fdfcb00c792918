package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/history"
)

func newGetCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Write a history item's payload to stdout",
		Long: `Writes the bytes of history item ID to stdout exactly as they were
captured.

  clipkeep get 17 > picture.png`,
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, args []string) error { return runGet(v, args[0], cmd.OutOrStdout()) },
	}

	cmd.Flags().Bool("mime", false, "print the item's target instead of its payload")
	addConfigFlag(cmd)

	return cmd
}

func runGet(v *viper.Viper, arg string, out io.Writer) error {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid item id %q", arg)
	}
	store, err := openStore(v)
	if err != nil {
		return err
	}
	defer store.Close()

	it, err := store.Get(id)
	if errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("item %d not found", id)
	}
	if err != nil {
		return err
	}
	if v.GetBool("mime") {
		_, err := fmt.Fprintln(out, it.MIME)
		return err
	}
	_, err = out.Write(it.Payload)
	return err
}
