package persistence

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// NewStore creates a Store based on the configuration.
// rdb is required for StoreTypeRedis, db for StoreTypeDatabase.
func NewStore(config StoreConfig, rdb redis.UniversalClient, db *gorm.DB) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(rdb, config.KeyPrefix), nil
	case StoreTypeDatabase:
		return NewGormStore(db, config.AutoMigrate)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
