package persist

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/aiconsole/internal/config"
)

// Open builds the backend selected by cfg.Driver. The returned close
// function releases its connections and is never nil.
func Open(ctx context.Context, cfg config.StateConfig) (StateStore, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.TTL), func() {}, nil

	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("state: %s is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("state: redis ping %s: %w", addr, err)
		}
		return NewRedisStore(client, cfg.TTL), func() { client.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("state: %s is not set", cfg.DSNEnv)
		}
		pcfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("state: parse dsn: %w", err)
		}
		if cfg.MaxConns > 0 {
			pcfg.MaxConns = cfg.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("state: connect postgres: %w", err)
		}
		s := NewPgStore(pool, cfg.TTL)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("state: unknown driver %q", cfg.Driver)
}
