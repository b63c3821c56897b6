// cmd/geofailover/main.go
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

	"github.com/FairForge/geofailover/internal/api"
	"github.com/FairForge/geofailover/internal/config"
	"github.com/FairForge/geofailover/internal/controller"
)

func main() {
	configPath := flag.String("config", config.GetEnvOrDefault("GEOFAILOVER_CONFIG", config.DefaultPath), "path to the configuration file")
	issueToken := flag.String("issue-token", "", "print an operator token for the given name and exit")
	tokenTTL := flag.Duration("token-ttl", 12*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		if cfg.JWTSecret == "" {
			fmt.Fprintln(os.Stderr, "jwt_secret is not configured")
			os.Exit(1)
		}
		token, err := api.GenerateToken(cfg.JWTSecret, *issueToken, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Fatal("geofailover exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func run(cfg *config.Config, configPath string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := controller.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Stop(context.Background())
		return fmt.Errorf("start controller: %w", err)
	}

	watcher, watchErr := config.NewWatcher(configPath, ctrl.ApplyConfig, logger)
	if watchErr != nil {
		logger.Warn("configuration hot reload disabled", zap.Error(watchErr))
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	server := api.NewServer(api.Config{
		Listen:    cfg.Listen,
		JWTSecret: cfg.JWTSecret,
	}, ctrl, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ctrl.ShutdownGrace()+10*time.Second)
	defer cancel()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("server shutdown", zap.Error(shutdownErr))
	}
	if stopErr := ctrl.Stop(shutdownCtx); stopErr != nil {
		logger.Error("controller shutdown", zap.Error(stopErr))
	}
	return err
}
