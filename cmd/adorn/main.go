package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/Adorn/pkg/config"
)

var (
	verbose bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "adorn",
	Short: "Insert and drive third-party ad widget placements in rendered articles",
	Long: `adorn inserts placement markers after structural anchors of an article,
binds a widget slot to every marker and probes each slot until the widget
renders or the attempt budget is spent.

Configuration is read from ADORN_* environment variables, layered over an
optional YAML file named by ADORN_CONFIG.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger.Debug("Configuration loaded", zap.String("config", cfg.String()))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(newAnchorsCmd())
	rootCmd.AddCommand(newMarkCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newMirrorCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
