package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/config"
	"github.com/wudi/authgate/internal/filecache"
	"github.com/wudi/authgate/internal/gateway"
	"github.com/wudi/authgate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/authgate.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("authgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cache, err := filecache.New(64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize file cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	raw, err := cache.ReadFile(context.Background(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read configuration: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting authgate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("default_service", cfg.DefaultService),
		zap.Int("rewrite_rules", len(cfg.RewriteRules)),
	)

	server, err := gateway.NewServer(*configPath, cache)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
