// Package commands implements the CLI commands for the tandem daemon.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tandemd",
	Short: "tandem - collaboration runtime daemon",
	Long: `tandemd runs the tandem collaboration runtime: document storage with
versioned snapshots, sessions, locks, access control, and conflict
resolution behind a single coordinator.

Use "tandemd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $XDG_CONFIG_HOME/tandem/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// configPath resolves the config file path: the --config flag wins,
// then the TANDEM_CONFIG environment variable, then the default
// location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return os.Getenv("TANDEM_CONFIG")
}
