package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/config"
	"go.klb.dev/clipkeep/internal/logging"
	"go.klb.dev/clipkeep/internal/selection"
)

// bindViper wires a command's flags into a viper instance with the standard
// config file search order and CLIPKEEP_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → CLIPKEEP_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	config.SetDefaults(v)

	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("clipkeep")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/clipkeep/")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(fmt.Sprintf("%s/.config/clipkeep", home))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("CLIPKEEP")
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// addLoggingFlags adds the standard logging flags to a command.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: tinter logs + debug level")
	cmd.Flags().String("log-format", "auto", "log format: auto|text|json")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default: info for service, debug for interactive)")
}

// addConfigFlag adds the --config flag to a command.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// addSelectionFlag adds --selection with the given default.
func addSelectionFlag(cmd *cobra.Command, def, usage string) {
	cmd.Flags().String("selection", def, usage)
}

// channelOf reads --selection, falling back to CLIPBOARD when it is empty.
func channelOf(v *viper.Viper) (selection.Channel, error) {
	s := v.GetString("selection")
	if s == "" {
		return selection.Clipboard, nil
	}
	return selection.ParseChannel(s)
}

// setupLogging reads logging flags from viper and configures slog.
func setupLogging(v *viper.Viper, attrs ...slog.Attr) {
	interactive := v.GetBool("no-background") || logging.IsTTY(os.Stderr)
	resolveLogging(interactive, v.GetString("log-format"), v.GetString("log-level"), attrs...)
}
