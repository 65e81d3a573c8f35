// loqad runs the render service: it joins (or embeds) the NATS bus, serves
// render requests and exposes health and metrics endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		printConfig bool
	)

	flags := pflag.NewFlagSet("loqad", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", "loqa.yaml", "path to configuration file")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	flags.BoolVar(&printConfig, "print-config", false, "print the effective configuration as YAML and exit")
	_ = flags.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("path", configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	if printConfig {
		if err := writeConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	logger = logger.With(
		slog.String("runtime", cfg.RuntimeName),
		slog.String("node", cfg.Node.ID),
		slog.String("version", version),
	)

	rt := runtime.New(cfg, version, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// writeConfig prints cfg with secrets masked.
func writeConfig(cfg config.Config) error {
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&cfg.Bus.Password)
	mask(&cfg.Bus.Token)
	mask(&cfg.LLM.APIKey)
	mask(&cfg.TTS.APIKey)

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
