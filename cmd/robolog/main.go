// Command robolog is a thin CLI over the robolog library: create and
// inspect a datastore, import and validate datasets, edit metadata, and
// replay streams to stdout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:           "robolog",
		Short:         "Content-addressed storage and replay for robot sensor datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&g.root, "root", "", "datastore root directory")
	root.PersistentFlags().BoolVar(&g.metaIndex, "metaindex", false, "open the metadata query index")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newCreateCommand(g),
		newImportCommand(g),
		newListCommand(g),
		newInfoCommand(g),
		newValidateCommand(g),
		newMetaCommand(g),
		newReplayCommand(g),
		newRemoveCommand(g),
		newRebuildIndexCommand(g),
	)
	return root
}
