package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portalkit/dynplugins/internal/config"
	"github.com/portalkit/dynplugins/internal/installer"
	"github.com/portalkit/dynplugins/internal/logging"
	"github.com/portalkit/dynplugins/internal/runner"
)

var (
	manifestPath string
	debug        bool
	human        bool
)

// installCmd represents the install command.
var installCmd = &cobra.Command{
	Use:   "install ROOT",
	Short: "Reconcile dynamic plugins into the installation root",
	Long: `Reconcile the desired-state manifest against the installation root:
install new or changed plugins, skip unchanged ones, merge their
configuration fragments into the global configuration document and remove
plugins no longer listed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		logging.InitLogger(debug, human)

		images := &installer.LazyImageClient{}
		defer func() {
			if err := images.Close(); err != nil {
				log.Error().Err(err).Msg("failed to clean up image scratch directory")
			}
		}()

		r := &runner.Runner{
			Root:         args[0],
			ManifestPath: manifestPath,
			Settings:     config.Get(),
			Fetcher:      installer.NPMFetcher{},
			Images:       images,
		}

		if err := r.Run(cmd.Context()); err != nil {
			// A termination signal requests a clean exit; the lock has
			// already been released on the way out.
			if cmd.Context().Err() != nil {
				log.Info().Msg("termination requested, exiting")
				return nil
			}

			return err
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)

	installCmd.Flags().
		StringVar(&manifestPath, "manifest", "dynamic-plugins.yaml", "Path to the plugins manifest")
	installCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	installCmd.Flags().BoolVar(&human, "human", false, "Enable human-readable logs")
}
