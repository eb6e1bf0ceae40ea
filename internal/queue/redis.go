package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis 键布局（前缀 p）:
//
//	p payload     HASH  key -> envelope JSON
//	p schedule    ZSET  key -> 就绪时间 (ms)
//	p processing  ZSET  key -> 租约截止 (ms)
//	p lock:<key>  STRING SET NX PX 租约 token
//	p failed      HASH  key -> FailedMessage JSON
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 16)
for _, k in ipairs(expired) do
  redis.call('ZREM', KEYS[2], k)
  redis.call('ZADD', KEYS[1], ARGV[1], k)
end
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 16)
for _, k in ipairs(ready) do
  if redis.call('SET', ARGV[3] .. k, ARGV[4], 'NX', 'PX', ARGV[5]) then
    redis.call('ZREM', KEYS[1], k)
    local payload = redis.call('HGET', KEYS[3], k)
    if payload then
      redis.call('ZADD', KEYS[2], ARGV[2], k)
      return {k, payload}
    end
    redis.call('DEL', ARGV[3] .. k)
  end
end
return false
`)

var ackScript = redis.NewScript(`
if redis.call('GET', KEYS[3]) ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[3])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

var rescheduleScript = redis.NewScript(`
if redis.call('GET', KEYS[3]) ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[3])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

var parkScript = redis.NewScript(`
if redis.call('GET', KEYS[3]) ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[3])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
return 1
`)

// RedisQueue 基于 Redis 的持久化队列
type RedisQueue struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisQueue 创建 Redis 队列。客户端由调用方管理。
func NewRedisQueue(client redis.UniversalClient, cfg Config, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "queue"), zap.String("backend", "redis")),
		now:    time.Now,
	}
}

func (q *RedisQueue) key(name string) string  { return q.cfg.KeyPrefix + name }
func (q *RedisQueue) lockKey(k string) string { return q.cfg.KeyPrefix + "lock:" + k }

func ms(t time.Time) int64 { return t.UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, msg StepMessage, opts ...EnqueueOption) error {
	o := applyOptions(opts)
	now := q.now()
	data, err := json.Marshal(envelope{Message: msg, EnqueuedAt: now})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := msg.Key()
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.key("payload"), q.key("schedule")},
		key, data, ms(now.Add(o.delay)),
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	if added == 0 {
		q.logger.Debug("duplicate message ignored", zap.String("key", key))
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	now := q.now()
	token := uuid.New().String()
	leaseUntil := now.Add(q.cfg.LeaseTTL)

	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.key("schedule"), q.key("processing"), q.key("payload")},
		ms(now), ms(leaseUntil), q.key("lock:"), token, q.cfg.LeaseTTL.Milliseconds(),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
	}

	var env envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", res[0], err)
	}
	return env.delivery(res[0], token, leaseUntil), nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.key("processing"), q.key("payload"), q.lockKey(d.Key)},
		d.Key, d.token,
	).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.Key, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, cause error) error {
	attempt := d.Attempt + 1
	if attempt >= q.cfg.MaxAttempts {
		return q.park(ctx, d, attempt, cause)
	}

	msg := d.Message
	msg.RetryCount = 0
	data, err := json.Marshal(envelope{
		Message:    msg,
		Attempt:    attempt,
		LastError:  errString(cause),
		EnqueuedAt: d.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	readyAt := q.now().Add(q.cfg.Backoff(attempt))
	ok, err := rescheduleScript.Run(ctx, q.client,
		[]string{q.key("processing"), q.key("payload"), q.lockKey(d.Key), q.key("schedule")},
		d.Key, d.token, data, ms(readyAt),
	).Int()
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.Key, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Park(ctx context.Context, d *Delivery, cause error) error {
	return q.park(ctx, d, d.Attempt+1, cause)
}

func (q *RedisQueue) park(ctx context.Context, d *Delivery, attempts int, cause error) error {
	msg := d.Message
	msg.RetryCount = 0
	data, err := json.Marshal(FailedMessage{
		Key:      d.Key,
		Message:  msg,
		Attempts: attempts,
		Error:    errString(cause),
		FailedAt: q.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal failed message: %w", err)
	}
	ok, err := parkScript.Run(ctx, q.client,
		[]string{q.key("processing"), q.key("payload"), q.lockKey(d.Key), q.key("failed")},
		d.Key, d.token, data,
	).Int()
	if err != nil {
		return fmt.Errorf("park %s: %w", d.Key, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	q.logger.Warn("message parked",
		zap.String("key", d.Key),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) (int, error) {
	keys, err := q.client.ZRange(ctx, q.key("schedule"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("remove %s: %w", jobID, err)
	}
	prefix := jobID + ":"
	var matched []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	members := make([]any, len(matched))
	for i, k := range matched {
		members[i] = k
	}
	zrem := pipe.ZRem(ctx, q.key("schedule"), members...)
	pipe.HDel(ctx, q.key("payload"), matched...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("remove %s: %w", jobID, err)
	}
	return int(zrem.Val()), nil
}

// Pending 处理中的消息同样保留 payload，扫描 payload 即可覆盖所有状态
func (q *RedisQueue) Pending(ctx context.Context, jobID string) (bool, error) {
	prefix := jobID + ":"
	iter := q.client.HScan(ctx, q.key("payload"), 0, globEscape(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		// HSCAN 交替返回字段与值，只看字段
		if k := iter.Val(); strings.HasPrefix(k, prefix) {
			return true, nil
		}
		if !iter.Next(ctx) {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return false, fmt.Errorf("pending %s: %w", jobID, err)
	}
	return false, nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *RedisQueue) Failed(ctx context.Context) ([]FailedMessage, error) {
	all, err := q.client.HGetAll(ctx, q.key("failed")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed set: %w", err)
	}
	out := make([]FailedMessage, 0, len(all))
	for key, raw := range all {
		var f FailedMessage
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			q.logger.Warn("skip malformed failed message", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, f)
	}
	sortFailed(out)
	return out, nil
}

func (q *RedisQueue) Retry(ctx context.Context, key string) error {
	raw, err := q.client.HGet(ctx, q.key("failed"), key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("retry %s: %w", key, err)
	}
	var f FailedMessage
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return fmt.Errorf("retry %s: %w", key, err)
	}
	if err := q.client.HDel(ctx, q.key("failed"), key).Err(); err != nil {
		return fmt.Errorf("retry %s: %w", key, err)
	}
	return q.Enqueue(ctx, f.Message)
}

func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	now := strconv.FormatInt(ms(q.now()), 10)
	pipe := q.client.Pipeline()
	ready := pipe.ZCount(ctx, q.key("schedule"), "-inf", now)
	total := pipe.ZCard(ctx, q.key("schedule"))
	processing := pipe.ZCard(ctx, q.key("processing"))
	failed := pipe.HLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &Stats{
		Ready:      ready.Val(),
		Delayed:    total.Val() - ready.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Close 客户端由调用方关闭
func (q *RedisQueue) Close() error { return nil }
