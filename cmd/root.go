package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wailbentafat/solar-hub/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "solar-hub",
	Short: "Real-time solar telemetry relay and device simulator",
	Long: `solar-hub fans solar readings, alerts, predictions and anomalies out to
dashboard clients over WebSocket, and can emulate a fleet of solar meters
that feed the backend.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
}

// loadConfig reads configuration and applies its logging section.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(".", configFile)
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg config.Config) {
	if cfg.Logging.Format == "console" || cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
