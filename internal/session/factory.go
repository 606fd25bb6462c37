package session

import (
	"context"
	"fmt"
	"strings"
)

// NewStore selects a driver. "auto" prefers postgres, then redis, then memory.
func NewStore(ctx context.Context, driver, databaseURL, redisURL string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "auto":
		if strings.TrimSpace(databaseURL) != "" {
			return NewPostgresStore(ctx, databaseURL)
		}
		if strings.TrimSpace(redisURL) != "" {
			return NewRedisStore(redisURL)
		}
		return NewMemoryStore(), nil
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if strings.TrimSpace(databaseURL) == "" {
			return nil, fmt.Errorf("postgres session store requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, databaseURL)
	case "redis":
		if strings.TrimSpace(redisURL) == "" {
			return nil, fmt.Errorf("redis session store requires REDIS_URL")
		}
		return NewRedisStore(redisURL)
	default:
		return nil, fmt.Errorf("unsupported session store driver %q", driver)
	}
}
