package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/statement-slicer/pkg/config"
	"github.com/FACorreiaa/statement-slicer/pkg/logging"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "slicer",
		Short: "Slice bank statements into deduplicated transaction records",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			a.cfg = cfg
			a.logger = logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json); environment variables override it")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(
		newPreviewCommand(a),
		newImportCommand(a),
		newMigrateCommand(a),
	)

	return rootCmd
}
