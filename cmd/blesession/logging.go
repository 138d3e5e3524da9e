package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/config"
)

func defaultConfigHint() string {
	if p := config.DefaultConfigPath(); p != "" {
		return p
	}
	return "none"
}

// loadConfig layers the config file (explicit --config, or the default path
// when it exists) under the global flags and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = config.DefaultConfigPath()
	}

	cfg := config.Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil || explicit {
			loaded, err := config.Load(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		cfg.Transport = v
	}
	return cfg, nil
}

// configureLogger creates a stderr logger at the configured level.
func configureLogger(level string) (*logrus.Logger, error) {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", level)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
