package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/streaming"
)

// MemoryBus 进程内事件总线
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*subscriber
	buffer  int
	counter atomic.Int64
	dropped atomic.Int64
	closed  bool
	logger  *zap.Logger
}

// NewMemoryBus 创建进程内总线，buffer 为每个订阅者的缓冲大小
func NewMemoryBus(buffer int, logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		subs:   make(map[string]map[string]*subscriber),
		buffer: buffer,
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Publish 发布事件
func (b *MemoryBus) Publish(_ context.Context, jobID string, ev streaming.Event) {
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs[jobID] {
		s.offer(ev)
	}
}

// Subscribe 订阅
func (b *MemoryBus) Subscribe(_ context.Context, jobID string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := fmt.Sprintf("%s-%d", jobID, b.counter.Add(1))
	s := newSubscriber(id, jobID, handler, b.buffer, &b.dropped, b.logger)
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[string]*subscriber)
	}
	b.subs[jobID][id] = s
	return &memorySubscription{bus: b, sub: s}, nil
}

func (b *MemoryBus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[s.jobID]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.subs, s.jobID)
		}
	}
	s.stop()
}

// Subscribers 返回任务当前的订阅数
func (b *MemoryBus) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// Dropped 返回因订阅者缓冲满而丢弃的事件总数
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close 停止所有订阅
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.stop()
		}
	}
	b.subs = make(map[string]map[string]*subscriber)
	return nil
}

type memorySubscription struct {
	bus  *MemoryBus
	sub  *subscriber
	once sync.Once
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.sub) })
}
