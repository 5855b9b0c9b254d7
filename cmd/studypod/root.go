package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/maauso/studypod-api/internal/config"
	"github.com/maauso/studypod-api/internal/version"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "studypod",
	Short: "Turn study material into narrated podcast episodes",
	Long: `StudyPod turns study text into a narrated audio episode with chapters.

Configuration is read from the environment and an optional .env file.
OPENAI_API_KEY is required; see the server documentation for the rest.`,
	Version:      version.GitRelease,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			return os.Setenv("ENV_FILE", envFile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&envFile, "env-file", "", "dotenv file to load (default: ./.env)",
	)

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration and installs its logger as the default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	return cfg, logger, nil
}
