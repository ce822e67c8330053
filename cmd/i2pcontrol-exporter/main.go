package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/i2plabs/i2pcontrol-exporter/internal/config"
	"github.com/i2plabs/i2pcontrol-exporter/internal/i2pcontrol"
	"github.com/i2plabs/i2pcontrol-exporter/internal/server"
	"github.com/i2plabs/i2pcontrol-exporter/internal/version"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("i2pcontrol-exporter starting",
		zap.String("version", version.Short()),
		zap.String("target", cfg.I2PControlAddress),
		zap.String("listen", cfg.ListenAddr),
	)

	if cfg.ConfigFile != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", cfg.ConfigFile),
		)
	} else {
		logger.Info("no configuration file found, using defaults and environment",
			zap.String("component", "config"),
		)
	}

	if cfg.TLSInsecure {
		logger.Warn("TLS certificate verification disabled by configuration",
			zap.String("component", "i2pcontrol"),
		)
	} else if cfg.TargetIsLoopback() {
		logger.Info("accepting the router's self-signed certificate on loopback",
			zap.String("component", "i2pcontrol"),
		)
	}

	httpClient := i2pcontrol.NewHTTPClient(cfg.AllowInsecureTLS(), cfg.MaxScrapeTimeout)
	client := i2pcontrol.New(i2pcontrol.Config{
		BaseURL:  cfg.I2PControlAddress,
		Password: cfg.I2PControlPassword,
		DebugRPC: cfg.DebugRPC,
	}, httpClient, logger.Named("i2pcontrol"))

	// Probe the router once at startup so a bad address or password shows up
	// in the log immediately. Failure is not fatal; the router may simply
	// not be up yet, and every scrape retries anyway.
	if cfg.I2PControlPassword != "" {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 15*time.Second)
		if _, err := client.Authenticate(probeCtx); err != nil {
			logger.Error("startup authentication failed, continuing",
				zap.String("component", "i2pcontrol"),
				zap.Error(err),
			)
		}
		probeCancel()
	}

	srv := server.New(cfg, client, logger.Named("server"))

	// Start server in background
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("i2pcontrol-exporter ready", zap.String("addr", cfg.ListenAddr))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("i2pcontrol-exporter stopped")
}
