// Package main implements the entry point for the tokenstream service,
// a streaming token delivery engine: clients open a websocket, submit
// prompts, and receive the generated text as paced, batched chunks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/engine"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tokenstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (built %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting tokenstream",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := eng.Start(signalCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	slog.Info("tokenstream started, accepting connections",
		"listen", cfg.Transport.ListenAddr, "path", cfg.Transport.Path)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := eng.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("tokenstream shutdown complete")
	return nil
}
