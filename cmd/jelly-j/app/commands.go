// Package app wires the jelly-j cobra commands.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jellyj/jelly-j/internal/common/config"
	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/statedir"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:               "jelly-j",
	DisableAutoGenTag: true,
	Short:             "Jelly J is a workspace assistant for zellij sessions",
	Long: `Jelly J keeps one assistant conversation per machine and surfaces it
inside every zellij session. Running jelly-j with no subcommand makes sure
the daemon is up and then attaches the terminal UI to it.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runAttach(cmd)
	},
}

// NewRootCmd assembles the CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Directory containing config.yaml")

	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newUICmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// setup loads configuration, builds the logger, and resolves the state dir.
// Every subcommand starts here.
func setup() (*config.Config, *logger.Logger, string, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, "", fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("initializing logger: %w", err)
	}
	logger.SetDefault(log)

	dir := cfg.StateDir
	if dir == "" {
		if dir, err = statedir.Dir(); err != nil {
			return nil, nil, "", err
		}
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, "", fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	return cfg, log, dir, nil
}
