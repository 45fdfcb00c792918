// clipkeep: X11 selection history with paste replay.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/clipkeep/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "clipkeep",
		Short: "Selection history and paste replay for X11",
		Long: `clipkeep keeps the X11 CLIPBOARD and PRIMARY selections alive and
records every selection another application offers into a history shared by
both channels. Any history item can later be pasted back into the focused
window.

Run one "clipkeep server" per selection:

  clipkeep server --selection CLIPBOARD
  clipkeep server --selection PRIMARY

Use "clipkeep list/get" to browse history, "clipkeep paste ID" to replay an
item, and "clipkeep copy" to feed a shell pipeline into the clipboard.

Config file search order (first found wins):
  /etc/clipkeep/clipkeep.toml
  $HOME/.config/clipkeep/clipkeep.toml
  path supplied via --config

All flags can be set via CLIPKEEP_<FLAG> env vars or config-file keys.
See "clipkeep server --help" for the full flag reference.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServerCmd(),
		newListCmd(),
		newGetCmd(),
		newPasteCmd(),
		newCopyCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("clipkeep %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string, attrs ...slog.Attr) {
	format := logging.ParseFormat(formatStr)
	level := logging.ParseLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = logging.ParseLevel("debug")
		} else {
			level = logging.ParseLevel("info")
		}
	}
	logging.Setup(format, level, attrs...)
}
