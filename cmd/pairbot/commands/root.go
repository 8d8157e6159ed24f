package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/pairbot/internal/config"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed, color.Bold)
)

var rootCmd = &cobra.Command{
	Use:   "pairbot",
	Short: "pairbot - auto-reply bot with a durable, self-healing session",
	Long: `pairbot pairs with a messaging gateway once, persists the session
credentials, reconnects across network interruptions and answers inbound
messages once the send path is confirmed live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil {
		red.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// loadConfig reads .env, then the environment, and installs the JSON logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if envErr != nil {
		logger.Info("No .env file found, using environment variables")
	}
	return cfg, logger, nil
}

func init() {
	rootCmd.AddCommand(runCmd, resetCmd, statusCmd)
}
