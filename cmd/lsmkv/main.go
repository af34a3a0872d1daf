package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"lsmkv/internal/http"
	"lsmkv/pkg/raftadapter"
	"lsmkv/pkg/store"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type timeProvider struct{}

func (tp *timeProvider) Now() time.Time {
	return time.Now()
}

func main() {
	configPath := flag.String("config", envOr("LSMKV_CONFIG", "config.yaml"), "path to the YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("lsmkv failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	initLogger(&cfg)

	db, err := store.New(&cfg.DB, &timeProvider{})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()
	db.Start(ctx)

	node, err := raftadapter.NewNode(&cfg.Raft, db)
	if err != nil {
		return err
	}
	nodeErr := make(chan error, 1)
	go func() {
		nodeErr <- node.Run(ctx)
	}()
	defer node.Stop()

	server := http.NewServer(cfg.Server, node, db)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Error("failed to stop HTTP server", "error", err)
		}
	}()

	slog.Info("lsmkv started", "node", cfg.Raft.ID, "path", cfg.DB.Path, "port", cfg.Server.Port)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	case err := <-nodeErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
