package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tandem-dev/tandem/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if path == "" {
			path = config.GetDefaultConfigPath()
		}

		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}

		if err := config.Save(config.GetDefaultConfig(), path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		fmt.Printf("Configuration file created at: %s\n", path)
		fmt.Println("Start the daemon with: tandemd serve")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}
