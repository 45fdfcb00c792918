package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/clip"
	"go.klb.dev/clipkeep/internal/config"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/ipc"
	"go.klb.dev/clipkeep/internal/selection"
	"go.klb.dev/clipkeep/internal/server"
	"go.klb.dev/clipkeep/internal/x11"
)

func newServerCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Own one selection and record its history",
		Long: `Starts the server for one selection. It records whatever other
applications place on the selection, keeps serving the chosen item after its
source application exits, and answers paste/copy/status/watch requests on a
local Unix socket.

Backends:
  x11   the X11 selection protocol (XFIXES + XTEST); supports both selections
        and key injection
  poll  samples the CLIPBOARD every 250ms; no PRIMARY, no key injection

Config file search order:
  /etc/clipkeep/clipkeep.toml
  $HOME/.config/clipkeep/clipkeep.toml
  path supplied via --config

Precedence (lowest → highest): defaults → config file → CLIPKEEP_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runServer(v) },
	}

	f := cmd.Flags()
	addSelectionFlag(cmd, string(selection.Clipboard), "selection to own: CLIPBOARD|PRIMARY")
	f.String("backend", "x11", "display backend: x11|poll")
	f.String("display", "", "X display (default $DISPLAY)")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runServer(v *viper.Viper) error {
	ch, err := channelOf(v)
	if err != nil {
		return err
	}
	setupLogging(v, slog.String("selection", string(ch)))

	cfg, err := config.Resolve(v, ch)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, err := history.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open history in %s: %w", cfg.Store.Dir, err)
	}
	defer store.Close()

	backend := v.GetString("backend")
	var disp server.Display
	switch backend {
	case "x11":
		xc, err := x11.Dial(ch, x11.Options{
			Display: v.GetString("display"),
			MaxRead: cfg.Engine.Capture.MaxSize,
		})
		if err != nil {
			return err
		}
		defer xc.Close()
		disp = xc
	case "poll":
		if ch != selection.Clipboard {
			return fmt.Errorf("the poll backend only supports %s", selection.Clipboard)
		}
		d := clip.NewDisplay(clip.New(clip.PollInterval))
		defer d.Close()
		disp = d
	default:
		return fmt.Errorf("unknown backend %q (want x11 or poll)", backend)
	}

	ln, err := ipc.Listen(ch)
	if err != nil {
		return fmt.Errorf("ipc: %w", err)
	}
	slog.Info("IPC socket listening", "path", ipc.SocketPath(ch))

	slog.Info("clipkeep server starting",
		"version", Version,
		"backend", backend,
		"store", cfg.Store.Backend,
		"data_dir", cfg.Store.Dir,
		"item_limit", cfg.Store.Policy.MaxItems,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := server.New(disp, store, cfg, server.Options{Backend: backend, Listener: ln})
	if err := s.Run(ctx); err != nil {
		return err
	}
	slog.Info("clipkeep server stopped")
	return nil
}
