// README: Redis client initialization for the geofence window store and the ingestion stream.
package infra

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"surge/internal/config"
)

// NewRedis builds a client that honours context deadlines and whose socket
// timeouts match the per-call budget.
func NewRedis(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
	}
	if cfg.OpTimeout > 0 {
		opts.ReadTimeout = cfg.OpTimeout
		opts.WriteTimeout = cfg.OpTimeout
	}
	return redis.NewClient(opts)
}

// PingRedis fails fast at startup when Redis is unreachable.
func PingRedis(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return eris.Wrapf(err, "infra: ping redis at %s", rdb.Options().Addr)
	}
	return nil
}
