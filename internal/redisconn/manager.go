package redisconn

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/config"
	"github.com/BaSui01/agentjobs/internal/tlsutil"
)

// =============================================================================
// 🔌 Redis 连接管理器
// =============================================================================

// Manager 持有队列、存储与事件总线共用的 Redis 客户端
type Manager struct {
	client   *redis.Client
	interval time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// Option 管理器选项
type Option func(*Manager)

// WithHealthCheck 设置后台健康检查间隔，0 表示不启动
func WithHealthCheck(interval time.Duration) Option {
	return func(m *Manager) { m.interval = interval }
}

// NewManager 创建客户端并立即 Ping，连接失败返回错误
func NewManager(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tlsConfig, err := tlsutil.ClientConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("redis tls: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		TLSConfig:    tlsConfig,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	m := &Manager{
		client:   client,
		interval: 30 * time.Second,
		logger:   logger.With(zap.String("component", "redis")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.interval > 0 {
		go m.healthCheckLoop()
	} else {
		close(m.done)
	}

	m.logger.Info("redis connected",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Bool("tls", tlsConfig != nil),
	)
	return m, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Client 返回共享客户端
func (m *Manager) Client() redis.UniversalClient {
	return m.client
}

// Ping 检查 Redis 连接，供 /ready 使用
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("redis manager is closed")
	}
	return m.client.Ping(ctx).Err()
}

// Close 停止健康检查并关闭客户端
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	m.logger.Info("closing redis client")
	return m.client.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (m *Manager) healthCheckLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			stats, err := m.GetStats(ctx)
			if err != nil {
				m.logger.Error("redis health check failed", zap.Error(err))
			} else {
				ps := m.client.PoolStats()
				m.logger.Debug("redis health check passed",
					zap.Uint32("total_conns", ps.TotalConns),
					zap.Uint32("idle_conns", ps.IdleConns),
					zap.Int64("connected_clients", stats.ConnectedClients),
					zap.Int64("used_memory", stats.UsedMemory),
					zap.Int64("keys", stats.Keys))
			}
			cancel()
		}
	}
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats 服务端统计，来自 INFO
type Stats struct {
	ConnectedClients int64 `json:"connected_clients"`
	UsedMemory       int64 `json:"used_memory"`
	Keys             int64 `json:"keys"`
}

// GetStats 读取 INFO clients/memory 与 DBSIZE
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	if err := m.Ping(ctx); err != nil {
		return nil, err
	}
	info, err := m.client.Info(ctx, "clients", "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis info: %w", err)
	}
	fields := parseInfo(info)

	stats := &Stats{
		ConnectedClients: fields["connected_clients"],
		UsedMemory:       fields["used_memory"],
	}
	if n, err := m.client.DBSize(ctx).Result(); err == nil {
		stats.Keys = n
	}
	return stats, nil
}

// parseInfo 提取 INFO 输出中的整数字段
func parseInfo(info string) map[string]int64 {
	out := make(map[string]int64)
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		}
	}
	return out
}
