package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/cam3ron2/bugfind/internal/config"
	"github.com/cam3ron2/bugfind/internal/store"
	"go.uber.org/zap"
)

// openProgressStore opens the configured resume backend. An unreachable redis
// falls back to the in-memory store; any other failure is returned.
func openProgressStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.ProgressStore, error) {
	opts := storeOptionsFromConfig(cfg)
	progressStore, err := store.Open(ctx, opts)
	if err == nil {
		if progressStore != nil {
			logger.Info("progress store opened", zap.String("backend", opts.Backend))
		}
		return progressStore, nil
	}

	if strings.EqualFold(strings.TrimSpace(opts.Backend), store.BackendRedis) {
		logger.Warn("failed to initialize redis store; falling back to in-memory store", zap.Error(err))
		return store.NewMemoryStore(opts.Retention), nil
	}
	return nil, fmt.Errorf("open %s progress store: %w", opts.Backend, err)
}

func storeOptionsFromConfig(cfg *config.Config) store.Options {
	if cfg == nil {
		return store.Options{Backend: store.BackendNone}
	}
	return store.Options{
		Backend:       cfg.Store.Backend,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		Namespace:     cfg.Store.Namespace,
		SQLitePath:    cfg.Store.SQLitePath,
		Retention:     cfg.Store.Retention,
	}
}
