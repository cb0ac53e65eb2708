// Package cli implements the relay command line.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the relay command tree.
func NewRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Pattern-matched action router",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "relay.yaml", "configuration file")

	root.AddCommand(
		newServeCommand(&cfgPath),
		newActCommand(&cfgPath),
		newRoutesCommand(&cfgPath),
	)
	return root
}

// Execute runs the CLI.
func Execute() error { return NewRootCommand().Execute() }
