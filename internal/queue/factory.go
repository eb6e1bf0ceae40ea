package queue

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// New 按配置创建队列，redis 后端需要 client
func New(cfg Config, client redis.UniversalClient, logger *zap.Logger) (Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(cfg, logger), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis queue requires a redis client")
		}
		return NewRedisQueue(client, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Backend)
	}
}
