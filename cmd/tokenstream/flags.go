package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("TOKENSTREAM_CONFIG", ""),
		"Path to configuration file (env: TOKENSTREAM_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("TOKENSTREAM_CONFIG", ""),
		"Path to configuration file (env: TOKENSTREAM_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("TOKENSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TOKENSTREAM_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("TOKENSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: TOKENSTREAM_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TOKENSTREAM_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: TOKENSTREAM_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printHelp
	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `%s - streaming token delivery engine

Usage:
  %s [flags]

Flags:
`, appName, appName)
	flag.PrintDefaults()
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
