package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type memEntry struct {
	env     envelope
	readyAt time.Time
	// 非空表示处理中
	token      string
	leaseUntil time.Time
}

// MemoryQueue 进程内队列，语义与 RedisQueue 一致
type MemoryQueue struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*memEntry
	failed  map[string]FailedMessage
	closed  bool
	logger  *zap.Logger
	now     func() time.Time
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(cfg Config, logger *zap.Logger) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*memEntry),
		failed:  make(map[string]FailedMessage),
		logger:  logger.With(zap.String("component", "queue"), zap.String("backend", "memory")),
		now:     time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg StepMessage, opts ...EnqueueOption) error {
	o := applyOptions(opts)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	key := msg.Key()
	if _, ok := q.entries[key]; ok {
		q.logger.Debug("duplicate message ignored", zap.String("key", key))
		return nil
	}
	now := q.now()
	q.entries[key] = &memEntry{
		env:     envelope{Message: msg, EnqueuedAt: now},
		readyAt: now.Add(o.delay),
	}
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.now()

	var ready []string
	for key, e := range q.entries {
		if e.token != "" {
			if now.Before(e.leaseUntil) {
				continue
			}
			// 租约过期，重新投递
			e.token = ""
			e.readyAt = now
		}
		if !e.readyAt.After(now) {
			ready = append(ready, key)
		}
	}
	if len(ready) == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := q.entries[ready[i]], q.entries[ready[j]]
		if !a.readyAt.Equal(b.readyAt) {
			return a.readyAt.Before(b.readyAt)
		}
		return ready[i] < ready[j]
	})

	key := ready[0]
	e := q.entries[key]
	e.token = uuid.New().String()
	e.leaseUntil = now.Add(q.cfg.LeaseTTL)
	return e.env.delivery(key, e.token, e.leaseUntil), nil
}

// leased 返回持有该租约的条目，调用方持锁
func (q *MemoryQueue) leased(d *Delivery) (*memEntry, error) {
	if q.closed {
		return nil, ErrClosed
	}
	e, ok := q.entries[d.Key]
	if !ok || e.token != d.token || !q.now().Before(e.leaseUntil) {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.leased(d); err != nil {
		return err
	}
	delete(q.entries, d.Key)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d *Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(d)
	if err != nil {
		return err
	}
	attempt := e.env.Attempt + 1
	if attempt >= q.cfg.MaxAttempts {
		q.parkLocked(d.Key, e, attempt, cause)
		return nil
	}
	e.env.Attempt = attempt
	e.env.LastError = errString(cause)
	e.token = ""
	e.readyAt = q.now().Add(q.cfg.Backoff(attempt))
	return nil
}

func (q *MemoryQueue) Park(_ context.Context, d *Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(d)
	if err != nil {
		return err
	}
	q.parkLocked(d.Key, e, e.env.Attempt+1, cause)
	return nil
}

func (q *MemoryQueue) parkLocked(key string, e *memEntry, attempts int, cause error) {
	delete(q.entries, key)
	q.failed[key] = FailedMessage{
		Key:      key,
		Message:  e.env.Message,
		Attempts: attempts,
		Error:    errString(cause),
		FailedAt: q.now(),
	}
	q.logger.Warn("message parked",
		zap.String("key", key),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	prefix := jobID + ":"
	n := 0
	for key, e := range q.entries {
		if e.token == "" && strings.HasPrefix(key, prefix) {
			delete(q.entries, key)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Pending(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	prefix := jobID + ":"
	for key := range q.entries {
		if strings.HasPrefix(key, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Failed(_ context.Context) ([]FailedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedMessage, 0, len(q.failed))
	for _, f := range q.failed {
		out = append(out, f)
	}
	sortFailed(out)
	return out, nil
}

func sortFailed(list []FailedMessage) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].FailedAt.Equal(list[j].FailedAt) {
			return list[i].FailedAt.Before(list[j].FailedAt)
		}
		return list[i].Key < list[j].Key
	})
}

func (q *MemoryQueue) Retry(ctx context.Context, key string) error {
	q.mu.Lock()
	f, ok := q.failed[key]
	if ok {
		delete(q.failed, key)
	}
	q.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	f.Message.RetryCount = 0
	return q.Enqueue(ctx, f.Message)
}

func (q *MemoryQueue) Stats(_ context.Context) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	s := &Stats{Failed: int64(len(q.failed))}
	for _, e := range q.entries {
		switch {
		case e.token != "" && now.Before(e.leaseUntil):
			s.Processing++
		case e.token == "" && e.readyAt.After(now):
			s.Delayed++
		default:
			s.Ready++
		}
	}
	return s, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
