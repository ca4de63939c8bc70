// Package commands builds the tingd cobra command tree: a root command
// carrying the global --config flag, a serve command that builds the
// whole plugin host and blocks, and a plugin command group whose
// subcommands drive a running instance through its admin API rather than
// constructing their own Manager.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the tingd root command.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tingd",
		Short:         "ting plugin host daemon",
		Long:          "tingd discovers, loads and serves the multi-runtime plugins that back the ting reader's scrapers, format decoders and utilities.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to tingd.yaml (default: search /etc/tingd, $HOME/.tingd, .)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newPluginCommand())

	return root
}
