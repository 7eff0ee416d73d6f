package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/statusboard/internal/repository"
	"github.com/splax/statusboard/internal/repository/badger"
	"github.com/splax/statusboard/internal/repository/memory"
	"github.com/splax/statusboard/internal/repository/redis"
	"github.com/splax/statusboard/internal/repository/sealed"
	"github.com/splax/statusboard/pkg/config"
)

// openFallback builds the local fallback store named by FALLBACK_BACKEND,
// sealed when an encryption key is configured.
func openFallback(cfg config.BoardConfig, log *slog.Logger) (repository.FallbackStore, error) {
	var (
		store repository.FallbackStore
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.FallbackBackend)) {
	case "", "badger":
		store, err = badger.Open(badger.Config{Path: cfg.FallbackPath, SyncWrites: true, Logger: log})
	case "redis":
		store, err = redis.New(cfg.FallbackRedisAddr, cfg.FallbackRedisPass, cfg.FallbackRedisDB, log)
	case "memory":
		store = memory.New()
	default:
		return nil, fmt.Errorf("unknown fallback backend %q", cfg.FallbackBackend)
	}
	if err != nil {
		return nil, err
	}
	return sealed.Wrap(store, cfg.FallbackEncryptionKey), nil
}
