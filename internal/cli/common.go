package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/aaronromeo/mailer/internal/app"
	"github.com/aaronromeo/mailer/internal/config"
	"github.com/aaronromeo/mailer/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const configEnvVar = config.EnvConfigPath
const defaultEnvFile = ".env"

// newApp is replaced in tests.
var newApp = app.New

func resolveConfigPath(cmd *cobra.Command) (string, error) {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cfgPath) == "" {
		cfgPath = os.Getenv(configEnvVar)
	}
	if strings.TrimSpace(cfgPath) == "" {
		return "", errors.New("config path is required via --config or " + configEnvVar)
	}
	return cfgPath, nil
}

func loadEnvFile() error {
	if _, err := os.Stat(defaultEnvFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(defaultEnvFile)
}

// loadConfig reads .env and the config file, then validates both.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, err := resolveConfigPath(cmd)
	if err != nil {
		return config.Config{}, err
	}
	if err := loadEnvFile(); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	if err := config.ValidateEnv(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// startApp sets up telemetry and builds the app. The returned stop func
// closes both.
func startApp(cmd *cobra.Command, cfg config.Config) (*app.App, func(), error) {
	ctx := commandContext(cmd)

	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	settings := telemetry.Settings{
		Mode:        cfg.Telemetry.Mode,
		ServiceName: cfg.Telemetry.ServiceName,
		Level:       level,
	}

	shutdown, err := telemetry.SetupOTelSDK(ctx, settings)
	if err != nil {
		return nil, nil, err
	}
	logger := telemetry.NewLogger(settings)

	a, err := newApp(cfg, app.WithLogger(logger))
	if err != nil {
		_ = shutdown(context.Background())
		return nil, nil, err
	}

	stop := func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing app", "error", err)
		}
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("shutting down telemetry", "error", err)
		}
	}
	return a, stop, nil
}
