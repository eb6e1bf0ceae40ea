package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/streaming"
)

// RedisBus 基于 Redis Pub/Sub 的事件总线，每个任务一个频道
type RedisBus struct {
	client    redis.UniversalClient
	keyPrefix string
	buffer    int
	counter   atomic.Int64
	dropped   atomic.Int64
	logger    *zap.Logger

	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool
}

// NewRedisBus 创建 Redis 事件总线
func NewRedisBus(client redis.UniversalClient, keyPrefix string, buffer int, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultConfig().BufferSize
	}
	return &RedisBus{
		client:    client,
		keyPrefix: keyPrefix,
		buffer:    buffer,
		subs:      make(map[string]*redisSubscription),
		logger:    logger.With(zap.String("component", "event_bus"), zap.String("backend", "redis")),
	}
}

func (b *RedisBus) channel(jobID string) string {
	return b.keyPrefix + "events:" + jobID
}

// Publish 发布事件。Redis 错误只记录日志。
func (b *RedisBus) Publish(ctx context.Context, jobID string, ev streaming.Event) {
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	data, err := ev.Encode()
	if err != nil {
		b.logger.Error("encode event", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, b.channel(jobID), data).Err(); err != nil {
		b.logger.Warn("publish event failed",
			zap.String("job_id", jobID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

// Subscribe 订阅任务频道，返回前等待订阅确认，之后发布的事件不会丢失
func (b *RedisBus) Subscribe(ctx context.Context, jobID string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", jobID, err)
	}

	id := fmt.Sprintf("%s-%d", jobID, b.counter.Add(1))
	sub := &redisSubscription{
		bus:    b,
		id:     id,
		pubsub: ps,
		sub:    newSubscriber(id, jobID, handler, b.buffer, &b.dropped, b.logger),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return nil, ErrClosed
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()
	return sub, nil
}

// Close 关闭所有订阅，不关闭 Redis 客户端
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*redisSubscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	return nil
}

type redisSubscription struct {
	bus    *RedisBus
	id     string
	pubsub *redis.PubSub
	sub    *subscriber
	once   sync.Once
}

// pump 读取 Pub/Sub 消息并转交给有序投递队列
func (s *redisSubscription) pump() {
	for msg := range s.pubsub.Channel() {
		ev, err := streaming.DecodeEvent([]byte(msg.Payload))
		if err != nil {
			s.bus.logger.Warn("decode event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		s.sub.offer(ev)
	}
}

func (s *redisSubscription) close() {
	s.once.Do(func() {
		if err := s.pubsub.Close(); err != nil {
			s.bus.logger.Debug("close pubsub", zap.Error(err))
		}
		s.sub.stop()
	})
}

func (s *redisSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.close()
}
