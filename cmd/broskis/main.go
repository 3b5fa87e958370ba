// broskis runs the Broski's Kitchen backend and its maintenance tasks.
//
// Usage:
//
//	broskis serve                          Serve the HTTP API and run background jobs
//	broskis migrate                        Apply Postgres migrations
//	broskis seed [--file seed.yaml]        Load menu items, drops, and offers
//	broskis rewards adjust --uid --delta   Adjust a customer's points balance
//	broskis version                        Print the build version
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/broskis-kitchen/broskis/internal/config"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	envFiles   []string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "broskis",
	Short:         "Broski's Kitchen backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = c
		logger = config.NewLogger(c.Log, os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "broskis %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BROSKIS_CONFIG"), "path to config YAML")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, rewardsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
