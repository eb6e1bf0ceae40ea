package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentjobs/llm/retry"
)

var (
	// ErrEmpty 没有就绪的消息
	ErrEmpty = errors.New("queue: no message ready")
	// ErrLeaseLost 租约已过期或被其他 worker 接管
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrNotFound 失败集合中不存在该键
	ErrNotFound = errors.New("queue: message not found")
	// ErrClosed 队列已关闭
	ErrClosed = errors.New("queue: closed")
)

// StepMessage 驱动一个任务执行一步
type StepMessage struct {
	JobID     string `json:"jobId"`
	UserID    string `json:"userId"`
	ThreadID  string `json:"threadId"`
	StepIndex int    `json:"stepIndex"`
	// RetryCount 本消息此前失败的次数，出队时由队列填写
	RetryCount int `json:"retryCount,omitempty"`
	// Mode 对应 persistence.JobMode，用于分发
	Mode string `json:"mode,omitempty"`
}

// Key 消息键
func (m StepMessage) Key() string {
	return fmt.Sprintf("%s:%d", m.JobID, m.StepIndex)
}

// Delivery 一次出队
type Delivery struct {
	Message StepMessage
	Key     string
	// Attempt 此前失败次数，首次投递为 0
	Attempt    int
	LastError  string
	EnqueuedAt time.Time
	LeaseUntil time.Time

	token string
}

// FailedMessage 失败集合中的消息
type FailedMessage struct {
	Key      string      `json:"key"`
	Message  StepMessage `json:"message"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error"`
	FailedAt time.Time   `json:"failedAt"`
}

// Stats 队列统计
type Stats struct {
	Ready      int64 `json:"ready"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

// Queue 步骤消息队列
type Queue interface {
	// Enqueue 入队；同键消息已在队列中时不做任何事
	Enqueue(ctx context.Context, msg StepMessage, opts ...EnqueueOption) error
	// Dequeue 取出一条就绪消息并加租约，没有时返回 ErrEmpty
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack 按退避重新调度，超过 MaxAttempts 转入失败集合
	Nack(ctx context.Context, d *Delivery, cause error) error
	// Park 直接转入失败集合
	Park(ctx context.Context, d *Delivery, cause error) error
	// Remove 删除任务尚未出队的消息，返回删除数量
	Remove(ctx context.Context, jobID string) (int, error)
	// Pending 任务是否还有未完成的消息（就绪、延迟或处理中），失败集合不计
	Pending(ctx context.Context, jobID string) (bool, error)
	Failed(ctx context.Context) ([]FailedMessage, error)
	Retry(ctx context.Context, key string) error
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Config 队列配置
type Config struct {
	Backend           string        `yaml:"backend" json:"backend" env:"BACKEND"`
	KeyPrefix         string        `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff" env:"INITIAL_BACKOFF"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff" env:"MAX_BACKOFF"`
	// LeaseTTL 租约时长，超时未确认的消息重新投递
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl" env:"LEASE_TTL"`
}

// DefaultConfig 返回默认队列配置
func DefaultConfig() Config {
	return Config{
		Backend:           "memory",
		KeyPrefix:         "agentjobs:queue:",
		MaxAttempts:       5,
		InitialBackoff:    2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Minute,
		LeaseTTL:          30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	return c
}

// Backoff 第 attempt 次失败后的重投延迟
func (c Config) Backoff(attempt int) time.Duration {
	return retry.BackoffDelay(c.InitialBackoff, c.BackoffMultiplier, c.MaxBackoff, attempt)
}

// EnqueueOption 入队选项
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay time.Duration
}

// WithDelay 延迟投递
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

func applyOptions(opts []EnqueueOption) enqueueOptions {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// envelope 队列内部保存的消息
type envelope struct {
	Message    StepMessage `json:"message"`
	Attempt    int         `json:"attempt"`
	LastError  string      `json:"lastError,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

func (e *envelope) delivery(key, token string, leaseUntil time.Time) *Delivery {
	msg := e.Message
	msg.RetryCount = e.Attempt
	return &Delivery{
		Message:    msg,
		Key:        key,
		Attempt:    e.Attempt,
		LastError:  e.LastError,
		EnqueuedAt: e.EnqueuedAt,
		LeaseUntil: leaseUntil,
		token:      token,
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
