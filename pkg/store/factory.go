package store

import (
	"log/slog"

	"resilience/internal/config"
	"resilience/pkg/redis"
)

// Open returns a Redis-backed store when both the store URL and token are
// configured. Otherwise it logs a warning and returns the in-memory fallback;
// missing credentials are never a startup failure. The returned client is nil
// for the memory store.
func Open(cfg config.RedisConfig, logger *slog.Logger, opts ...MemoryOption) (Store, *redis.Client) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Configured() {
		logger.Warn("shared state store credentials missing, using in-memory fallback; limits are per instance",
			"url_set", cfg.URL != "",
			"token_set", cfg.Token != "",
		)
		return NewMemoryStore(opts...), nil
	}

	client := redis.NewClient(cfg, logger)
	return NewRedisStore(client), client
}
