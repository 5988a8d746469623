package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgfleet/pgfleet/internal/config"
	"github.com/pgfleet/pgfleet/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("pgfleetd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "check-config":
		runCheckConfig(os.Args[2:])
	case "version":
		fmt.Printf("pgfleetd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: pgfleetd <command> [options]

Commands:
  serve         Run the pool manager daemon (health endpoints, topology watch)
  check-config  Load and validate the configuration, then exit
  version       Print version information

Run 'pgfleetd <command> --help' for more information on a command.`)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9090)")
	logLevel := fs.String("log-level", "", "Override log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Override log format (json, text)")

	fs.Usage = func() {
		fmt.Println(`Usage: pgfleetd serve [options]

Run the pool manager daemon. It keeps the connection pools warm, polls
the cluster layout, and serves health and metrics endpoints.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *healthAddr != "" {
		cfg.Observability.MetricsAddr = *healthAddr
	}
	if *logLevel != "" {
		cfg.Observability.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.Observability.LogFormat = *logFormat
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	})

	daemon, err := NewDaemon(DaemonOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})
	if err != nil {
		logger.Errorf("failed to create daemon", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- daemon.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Errorf("daemon error", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	cancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	logger.Info("daemon shutdown complete")
}

func runCheckConfig(args []string) {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")

	fs.Usage = func() {
		fmt.Println(`Usage: pgfleetd check-config [options]

Load the configuration from the file and environment, validate it, and
print a summary. Exits non-zero on any validation error.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("config ok: coordinator %s:%d, %d workers, %d replicas, pool %d-%d, ha=%v\n",
		cfg.Coordinator.Host, cfg.Coordinator.Port,
		len(cfg.Workers), len(cfg.Replicas),
		cfg.Pool.MinConns, cfg.Pool.MaxConns, cfg.HA.Enabled)
}
