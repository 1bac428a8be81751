package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/portalkit/dynplugins/internal/config"
	"github.com/portalkit/dynplugins/internal/logging"
	"github.com/portalkit/dynplugins/internal/manifest"
)

var resolveManifestPath string

// resolveCmd represents the resolve command.
var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the resolved plugin list without installing",
	Long: `Load the manifest, apply includes and overrides, compute fingerprints and
print the resolved entries. Useful for debugging manifest layering; the
installation root is never touched.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		logging.InitLogger(false, true)

		m, err := manifest.Load(resolveManifestPath)
		if err != nil {
			return err
		}
		if m == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "no manifest found or manifest empty")
			return nil
		}

		entries, err := manifest.Resolve(m, resolveManifestPath)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			policy, set := entry.PullPolicy()
			if !set {
				policy = manifest.PullIfNotPresent
			}
			state := "enabled"
			if entry.Disabled() {
				state = "disabled"
			}
			fmt.Fprintf(
				cmd.OutOrStdout(),
				"%s\t%s\t%s\t%s\n",
				entry.Package, state, policy, entry.Hash,
			)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().
		StringVar(&resolveManifestPath, "manifest", "dynamic-plugins.yaml", "Path to the plugins manifest")
}
