package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"calbot/internal/config"
	appLog "calbot/internal/log"
)

const version = "0.1.0"

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	// Config is loaded by the root command before any subcommand runs.
	Config *config.Config
}

// NewRootCommand builds the calbot command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "calbot",
		Short:         "Mirror calendar feeds into Discord scheduled events",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(os.Getenv)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "/etc/calbot/config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewOnceCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))

	return cmd
}

func (o *RootOptions) load(getenv func(string) string) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", o.ConfigPath, err)
	}
	cfg.ApplyEnv(getenv)
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", o.ConfigPath, err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	o.Config = cfg
	return nil
}
