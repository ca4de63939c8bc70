package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tingreader/ting-plugins/internal/adminapi"
)

// newPluginCommand builds the `tingd plugin` group. Every subcommand here
// is a thin HTTP client against a running `tingd serve` instance's admin
// API — none of them construct a Manager of their own, since the
// lifecycle they operate on belongs to that long-running process.
func newPluginCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Inspect and control plugins on a running tingd instance",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8090", "base URL of the running tingd admin API")

	cmd.AddCommand(newPluginListCommand(&addr))
	cmd.AddCommand(newPluginInstallCommand(&addr))
	cmd.AddCommand(newPluginReloadCommand(&addr))
	cmd.AddCommand(newPluginUnloadCommand(&addr))
	cmd.AddCommand(newPluginUninstallCommand(&addr))
	return cmd
}

func newPluginListCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plugins registered on the running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := adminapi.NewClient(*addr)
			infos, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no plugins registered")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATE\tACTIVE CALLS")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", info.ID, info.Kind, info.State, info.ActiveCalls)
			}
			return w.Flush()
		},
	}
}

func newPluginInstallCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "install <source-path>",
		Short: "Install and load a plugin package from a path on the tingd host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := adminapi.NewClient(*addr)
			id, err := client.Install(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newPluginReloadCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload <id>",
		Short: "Reload a registered plugin in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := adminapi.NewClient(*addr)
			newID, err := client.Reload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), newID)
			return nil
		},
	}
}

func newPluginUnloadCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unload <id>",
		Short: "Unload a plugin without removing its installed files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := adminapi.NewClient(*addr)
			return client.Unload(cmd.Context(), args[0])
		},
	}
}

func newPluginUninstallCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Unload a plugin and remove its installed files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := adminapi.NewClient(*addr)
			return client.Uninstall(cmd.Context(), args[0])
		},
	}
}
