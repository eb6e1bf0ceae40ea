package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/streaming"
)

// ErrClosed 总线已关闭
var ErrClosed = errors.New("event bus closed")

// Handler 事件处理函数。同一订阅内按顺序调用。
type Handler func(ev streaming.Event)

// Subscription 一个活跃订阅
type Subscription interface {
	Unsubscribe()
}

// Bus 任务事件总线
type Bus interface {
	// Publish 发布事件，失败只记录日志
	Publish(ctx context.Context, jobID string, ev streaming.Event)
	// Subscribe 订阅指定任务的事件
	Subscribe(ctx context.Context, jobID string, handler Handler) (Subscription, error)
	Close() error
}

// Backend 总线类型
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config 总线配置
type Config struct {
	Backend    Backend `yaml:"backend" env:"BACKEND"`
	KeyPrefix  string  `yaml:"key_prefix" env:"KEY_PREFIX"`
	BufferSize int     `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{Backend: BackendMemory, KeyPrefix: "agentjobs:", BufferSize: 256}
}

// New 按配置创建总线
func New(cfg Config, client redis.UniversalClient, logger *zap.Logger) (Bus, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryBus(cfg.BufferSize, logger), nil
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis event bus requires a redis client")
		}
		return NewRedisBus(client, cfg.KeyPrefix, cfg.BufferSize, logger), nil
	default:
		return nil, fmt.Errorf("unknown event bus backend: %s", cfg.Backend)
	}
}

// Channel 把订阅转为通道，供 streaming.Forward 使用。
// 通道在 Unsubscribe 后不再接收新事件；缓冲满时丢弃事件并记录告警。
func Channel(ctx context.Context, bus Bus, jobID string, buffer int, logger *zap.Logger) (<-chan streaming.Event, Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ch := make(chan streaming.Event, buffer)
	sub, err := bus.Subscribe(ctx, jobID, func(ev streaming.Event) {
		select {
		case ch <- ev:
		default:
			logger.Warn("stream consumer too slow, dropping event",
				zap.String("job_id", jobID),
				zap.String("type", string(ev.Type)))
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, sub, nil
}
