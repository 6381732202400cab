package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options selects and configures a progress backend.
type Options struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
	SQLitePath    string
	Retention     time.Duration
}

// Open builds the configured progress store. Backend none returns a nil store.
func Open(ctx context.Context, opts Options) (ProgressStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemoryStore(opts.Retention), nil
	case BackendRedis:
		if strings.TrimSpace(opts.RedisAddr) == "" {
			return nil, fmt.Errorf("redis address is required")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		redisStore := NewRedisStore(client, RedisStoreConfig{
			Namespace: opts.Namespace,
			Retention: opts.Retention,
		})
		if err := redisStore.Ping(ctx); err != nil {
			_ = redisStore.Close()
			return nil, fmt.Errorf("ping redis %s: %w", opts.RedisAddr, err)
		}
		return redisStore, nil
	case BackendSQLite:
		sqliteStore, err := NewSQLiteStore(opts.SQLitePath, opts.Retention)
		if err != nil {
			return nil, err
		}
		return sqliteStore, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// Collector is implemented by stores that can drop expired entries.
type Collector interface {
	GC(ctx context.Context) error
}

// Counter is implemented by stores that can report how many issues they hold.
type Counter interface {
	Count(ctx context.Context) (int, error)
}
