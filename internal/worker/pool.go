package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/types"
)

var (
	// ErrFatal 不可恢复错误，消息直接转入失败集合
	ErrFatal = errors.New("fatal")

	// ErrPoolStarted Start 被重复调用
	ErrPoolStarted = errors.New("worker pool already started")
)

// Fatal 将错误标记为不可重试
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Handler 处理一条步骤消息
type Handler interface {
	Handle(ctx context.Context, msg queue.StepMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.StepMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.StepMessage) error {
	return f(ctx, msg)
}

// Recorder 接收每条消息的处理结果，metrics.Collector 实现了它
type Recorder interface {
	RecordMessage(outcome string, duration time.Duration)
}

// 处理结果
const (
	OutcomeAcked  = "acked"
	OutcomeNacked = "nacked"
	OutcomeParked = "parked"
)

// Config configures the pool.
type Config struct {
	Concurrency  int           `yaml:"concurrency" json:"concurrency" env:"CONCURRENCY"`
	RateLimit    float64       `yaml:"rate_limit" json:"rate_limit" env:"RATE_LIMIT"`
	Burst        int           `yaml:"burst" json:"burst" env:"BURST"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" env:"POLL_INTERVAL"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		RateLimit:    10,
		Burst:        10,
		PollInterval: 200 * time.Millisecond,
	}
}

// Pool 固定大小的 worker 池
type Pool struct {
	q        queue.Queue
	handler  Handler
	cfg      Config
	limiter  *rate.Limiter
	logger   *zap.Logger
	recorder Recorder

	started   atomic.Bool
	stopOnce  sync.Once
	stopPoll  context.CancelFunc
	stopRun   context.CancelFunc
	wg        sync.WaitGroup
	active    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
	parked    atomic.Int64
	panics    atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithRecorder 设置结果记录器
func WithRecorder(r Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// NewPool creates a new pool. Nothing runs until Start.
func NewPool(q queue.Queue, handler Handler, cfg Config, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RateLimit))
	}

	p := &Pool{
		q:       q,
		handler: handler,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With(zap.String("component", "worker_pool")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. The pool stops when ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrPoolStarted
	}

	// pollCtx 停止取新消息；runCtx 仅在 Stop 超时后取消正在处理的消息
	pollCtx, stopPoll := context.WithCancel(ctx)
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	p.stopPoll = stopPoll
	p.stopRun = stopRun

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(pollCtx, types.WithWorkerID(runCtx, i+1), i+1)
	}

	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Float64("rate_limit", p.cfg.RateLimit),
	)
	return nil
}

// Stop stops polling and waits for in-flight messages. When ctx expires first,
// in-flight handlers are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	var err error
	p.stopOnce.Do(func() {
		p.stopPoll()
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			p.stopRun()
			<-done
			err = ctx.Err()
		}
		p.stopRun()
		p.logger.Info("worker pool stopped", zap.Int64("processed", p.processed.Load()))
	})
	return err
}

func (p *Pool) loop(pollCtx, runCtx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", id))

	for pollCtx.Err() == nil {
		d, err := p.q.Dequeue(pollCtx)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && pollCtx.Err() == nil {
				logger.Warn("dequeue failed", zap.Error(err))
			}
			select {
			case <-pollCtx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		if err := p.limiter.Wait(runCtx); err != nil {
			// 仅在强制停止时发生，租约过期后消息会重新投递
			return
		}
		p.process(runCtx, logger, d)
	}
}

func (p *Pool) process(ctx context.Context, logger *zap.Logger, d *queue.Delivery) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeHandle(ctx, d.Message)
	p.processed.Add(1)

	outcome := OutcomeAcked
	var qerr error
	switch {
	case err == nil:
		qerr = p.q.Ack(ctx, d)
	case errors.Is(err, ErrFatal):
		outcome = OutcomeParked
		p.failed.Add(1)
		p.parked.Add(1)
		logger.Error("message failed fatally",
			zap.String("key", d.Key),
			zap.Error(err),
		)
		qerr = p.q.Park(ctx, d, err)
	default:
		outcome = OutcomeNacked
		p.failed.Add(1)
		logger.Warn("message failed, will retry",
			zap.String("key", d.Key),
			zap.Int("attempt", d.Attempt+1),
			zap.Error(err),
		)
		qerr = p.q.Nack(ctx, d, err)
	}
	if qerr != nil {
		logger.Warn("queue settle failed",
			zap.String("key", d.Key),
			zap.String("outcome", outcome),
			zap.Error(qerr),
		)
	}
	if p.recorder != nil {
		p.recorder.RecordMessage(outcome, time.Since(start))
	}
}

func (p *Pool) safeHandle(ctx context.Context, msg queue.StepMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("handler panicked",
				zap.String("job_id", msg.JobID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return p.handler.Handle(ctx, msg)
}

// Stats contains pool statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Parked    int64 `json:"parked"`
	Panics    int64 `json:"panics"`
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Concurrency,
		Active:    int(p.active.Load()),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Parked:    p.parked.Load(),
		Panics:    p.panics.Load(),
	}
}
