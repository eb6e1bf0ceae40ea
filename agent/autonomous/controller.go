package autonomous

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/streaming"
	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/internal/worker"
	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/types"
)

// 停止原因
const (
	ReasonGoalAchieved  = "Goal achieved"
	ReasonEvaluatorStop = "Evaluation recommended stopping"
	ReasonMaxIterations = "Maximum iterations reached"
	ReasonHumanInput    = "Human input required"
	ReasonCancelled     = "Session cancelled"
	ReasonRetryExceeded = "Iteration failed on final delivery attempt"
)

// Executor 执行阶段使用的回合执行方，longrunning.Engine 满足该接口
type Executor interface {
	ExecuteTurn(ctx context.Context, jobID, prompt string) (*persistence.ExecutionResult, error)
}

// Scheduler 下一次迭代消息的投递方
type Scheduler interface {
	Enqueue(ctx context.Context, msg queue.StepMessage, opts ...queue.EnqueueOption) error
}

// Publisher 进度事件发布方
type Publisher interface {
	Publish(ctx context.Context, jobID string, ev streaming.Event)
}

// Metrics 自主循环指标
type Metrics interface {
	RecordPhase(phase string, duration time.Duration)
	RecordSession(status string)
}

type noopMetrics struct{}

func (noopMetrics) RecordPhase(string, time.Duration) {}
func (noopMetrics) RecordSession(string)              {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, streaming.Event) {}

// Config 自主循环配置
type Config struct {
	// Model 评估与规划使用的模型
	Model string `yaml:"model" env:"MODEL"`
	// MaxIterations 会话未指定时的迭代上限
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// ObservationWindow 评估时参考的最近观察条数
	ObservationWindow int `yaml:"observation_window" env:"OBSERVATION_WINDOW"`
	// IterationDelay 两次迭代之间的延迟
	IterationDelay time.Duration `yaml:"iteration_delay" env:"ITERATION_DELAY"`
	MaxTokens      int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	// MaxDeliveryAttempts 与队列的 MaxAttempts 一致，最后一次投递失败时会话失败
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts" env:"MAX_DELIVERY_ATTEMPTS"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{MaxIterations: 20, ObservationWindow: 10, MaxTokens: 1024, MaxDeliveryAttempts: 5}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.ObservationWindow <= 0 {
		c.ObservationWindow = d.ObservationWindow
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = d.MaxDeliveryAttempts
	}
	return c
}

// Option configures a Controller.
type Option func(*Controller)

// WithPublisher sets the progress event sink.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Controller 自主循环控制器，每条步骤消息驱动一次完整迭代
type Controller struct {
	store     persistence.Store
	completer llm.Completer
	executor  Executor
	scheduler Scheduler
	publisher Publisher
	metrics   Metrics
	tracer    trace.Tracer
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewController creates a Controller.
func NewController(store persistence.Store, completer llm.Completer, executor Executor, scheduler Scheduler, cfg Config, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if store == nil || executor == nil || scheduler == nil {
		return nil, errors.New("autonomous: store, executor and scheduler are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		store:     store,
		completer: completer,
		executor:  executor,
		scheduler: scheduler,
		publisher: noopPublisher{},
		metrics:   noopMetrics{},
		tracer:    otel.Tracer("github.com/BaSui01/agentjobs/agent/autonomous"),
		config:    cfg.withDefaults(),
		logger:    logger.With(zap.String("component", "autonomous_controller")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.config
}

// RunIteration 运行会话的一次迭代。已持久化的阶段不会重复执行。
func (c *Controller) RunIteration(ctx context.Context, msg queue.StepMessage) error {
	ctx = types.WithJobID(ctx, msg.JobID)
	log := c.logger.With(zap.String("session_id", msg.JobID), zap.Int("iteration", msg.StepIndex))

	if msg.StepIndex < 1 {
		return worker.Fatal(fmt.Errorf("invalid iteration %d", msg.StepIndex))
	}
	sess, err := c.store.GetSession(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			log.Warn("session not found, dropping iteration")
			return worker.Fatal(types.NewError(types.ErrSessionNotFound, "session not found: "+msg.JobID))
		}
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status.IsTerminal() || sess.Status == persistence.SessionPaused {
		log.Debug("session not runnable", zap.String("status", string(sess.Status)))
		return nil
	}
	if msg.StepIndex <= sess.CurrentIteration {
		if msg.StepIndex == sess.CurrentIteration {
			return c.scheduleNext(ctx, sess)
		}
		return nil
	}
	if msg.StepIndex > sess.CurrentIteration+1 {
		return worker.Fatal(fmt.Errorf("iteration %d is ahead of session iteration %d", msg.StepIndex, sess.CurrentIteration))
	}
	if sess.CurrentIteration >= c.maxIterations(sess) {
		return c.finish(ctx, sess.ID, persistence.SessionCompleted, ReasonMaxIterations, nil)
	}

	if sess.Status == persistence.SessionPlanning {
		if sess, err = c.setStatus(ctx, sess.ID, persistence.SessionExecuting); err != nil {
			return err
		}
	}

	ctx, span := c.tracer.Start(ctx, "autonomous.iteration", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Int("iteration", msg.StepIndex),
	))
	defer span.End()

	it, err := c.store.GetSessionIteration(ctx, sess.ID, msg.StepIndex)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		it = &persistence.AutonomousIteration{SessionID: sess.ID, Number: msg.StepIndex, StartedAt: c.now()}
	case err != nil:
		return fmt.Errorf("load session iteration: %w", err)
	case it.Done:
		return c.afterIteration(ctx, sess, it)
	default:
		log.Info("resuming iteration", zap.String("phase", string(it.Phase)))
	}

	// evaluating
	if it.Evaluation == nil {
		start := c.now()
		if err := c.enterPhase(ctx, sess, it, persistence.PhaseEvaluating); err != nil {
			return err
		}
		eval, err := c.evaluate(ctx, sess)
		if err != nil {
			return c.handleIterationError(ctx, msg, sess.ID, err)
		}
		it.Evaluation = &eval
		if err := c.saveIteration(ctx, it); err != nil {
			return err
		}
		c.observe(ctx, sess.ID, it.Number, persistence.ObservationEvaluation, describeEvaluation(eval), map[string]string{
			"progress": fmt.Sprint(eval.ProgressPercentage),
			"fallback": fmt.Sprint(eval.Fallback),
		})
		c.metrics.RecordPhase(string(persistence.PhaseEvaluating), c.now().Sub(start))

		if !eval.Fallback {
			if sess, err = c.setProgress(ctx, sess.ID, eval.ProgressPercentage); err != nil {
				return err
			}
		}
	}

	eval := *it.Evaluation
	if eval.GoalAchieved {
		log.Info("goal achieved")
		return c.finish(ctx, sess.ID, persistence.SessionCompleted, ReasonGoalAchieved, it)
	}
	if !eval.ShouldContinue {
		log.Info("evaluation recommended stopping", zap.Strings("blockers", eval.Blockers))
		return c.finish(ctx, sess.ID, persistence.SessionCompleted, ReasonEvaluatorStop, it)
	}

	// planning
	if it.Plan == nil {
		start := c.now()
		if err := c.enterPhase(ctx, sess, it, persistence.PhasePlanning); err != nil {
			return err
		}
		action, err := c.plan(ctx, sess, eval)
		if err != nil {
			return c.handleIterationError(ctx, msg, sess.ID, err)
		}
		it.Plan = &action
		if err := c.saveIteration(ctx, it); err != nil {
			return err
		}
		c.observe(ctx, sess.ID, it.Number, persistence.ObservationPlanning, action.Action, map[string]string{
			"rationale":        action.Rationale,
			"expected_outcome": action.ExpectedOutcome,
		})
		c.metrics.RecordPhase(string(persistence.PhasePlanning), c.now().Sub(start))
	}

	// executing
	if it.Execution == nil {
		start := c.now()
		if err := c.enterPhase(ctx, sess, it, persistence.PhaseExecuting); err != nil {
			return err
		}
		res, err := c.executor.ExecuteTurn(ctx, sess.ID, executionPrompt(sess, it.Plan))
		if err != nil {
			c.observe(ctx, sess.ID, it.Number, persistence.ObservationError, "execution failed: "+err.Error(), nil)
			return c.handleIterationError(ctx, msg, sess.ID, fmt.Errorf("execute iteration %d: %w", it.Number, err))
		}
		it.Execution = res
		if err := c.saveIteration(ctx, it); err != nil {
			return err
		}
		c.metrics.RecordPhase(string(persistence.PhaseExecuting), c.now().Sub(start))
	}

	// observing
	if err := c.enterPhase(ctx, sess, it, persistence.PhaseObserving); err != nil {
		return err
	}
	res := it.Execution
	if res.Error != "" {
		c.observe(ctx, sess.ID, it.Number, persistence.ObservationError, res.Error, map[string]string{"action": it.Plan.Action})
	} else {
		c.observe(ctx, sess.ID, it.Number, persistence.ObservationExecution, observationContent(res.Output), map[string]string{
			"action": it.Plan.Action,
			"tokens": fmt.Sprint(res.TokenUsage.TotalTokens),
		})
	}
	it.Done = true
	it.Duration = c.now().Sub(it.StartedAt)
	if err := c.saveIteration(ctx, it); err != nil {
		return err
	}
	return c.afterIteration(ctx, sess, it)
}

// handleIterationError 记录错误并交还队列重试；最后一次投递失败时会话与任务失败
func (c *Controller) handleIterationError(ctx context.Context, msg queue.StepMessage, sessionID string, cause error) error {
	log := c.logger.With(zap.String("session_id", sessionID), zap.Int("iteration", msg.StepIndex))
	if _, err := persistence.UpdateSessionWith(ctx, c.store, sessionID, func(s *persistence.AutonomousSession) error {
		if s.Status.IsTerminal() {
			return persistence.ErrSkipUpdate
		}
		s.LastError = cause.Error()
		return nil
	}); err != nil {
		log.Warn("failed to record session error", zap.Error(err))
	}

	if msg.RetryCount+1 < c.config.MaxDeliveryAttempts {
		log.Warn("iteration failed, will retry", zap.Int("attempt", msg.RetryCount+1), zap.Error(cause))
		return cause
	}
	log.Error("iteration failed on final attempt", zap.Error(cause))
	if err := c.finish(ctx, sessionID, persistence.SessionFailed, ReasonRetryExceeded, nil); err != nil {
		return errors.Join(cause, err)
	}
	return worker.Fatal(cause)
}

// afterIteration 推进会话计数并决定停止或投递下一次迭代
func (c *Controller) afterIteration(ctx context.Context, sess *persistence.AutonomousSession, it *persistence.AutonomousIteration) error {
	if it.Execution != nil && NeedsHumanInput(it.Execution.Error) {
		c.logger.Info("session needs human input", zap.String("session_id", sess.ID), zap.Int("iteration", it.Number))
		return c.finish(ctx, sess.ID, persistence.SessionPaused, ReasonHumanInput, it)
	}
	sess, err := persistence.UpdateSessionWith(ctx, c.store, sess.ID, func(s *persistence.AutonomousSession) error {
		if s.CurrentIteration >= it.Number {
			return persistence.ErrSkipUpdate
		}
		s.CurrentIteration = it.Number
		if it.Execution != nil {
			s.LastError = it.Execution.Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("advance session: %w", err)
	}
	if sess.CurrentIteration >= c.maxIterations(sess) {
		return c.finish(ctx, sess.ID, persistence.SessionCompleted, ReasonMaxIterations, nil)
	}
	return c.scheduleNext(ctx, sess)
}

func (c *Controller) scheduleNext(ctx context.Context, sess *persistence.AutonomousSession) error {
	if sess.Status != persistence.SessionExecuting && sess.Status != persistence.SessionPlanning {
		return nil
	}
	var opts []queue.EnqueueOption
	if c.config.IterationDelay > 0 {
		opts = append(opts, queue.WithDelay(c.config.IterationDelay))
	}
	err := c.scheduler.Enqueue(ctx, queue.StepMessage{
		JobID:     sess.ID,
		UserID:    sess.UserID,
		StepIndex: sess.CurrentIteration + 1,
		Mode:      string(persistence.ModeAutonomous),
	}, opts...)
	if err != nil {
		return types.NewError(types.ErrQueueUnavailable, "enqueue next iteration").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (c *Controller) enterPhase(ctx context.Context, sess *persistence.AutonomousSession, it *persistence.AutonomousIteration, phase persistence.Phase) error {
	it.Phase = phase
	if err := c.saveIteration(ctx, it); err != nil {
		return err
	}
	c.publisher.Publish(ctx, sess.ID, streaming.Event{
		Type:      streaming.EventStatusUpdate,
		JobID:     sess.ID,
		Iteration: it.Number,
		Status:    string(phase),
		Timestamp: c.now().UTC(),
	})
	return nil
}

func (c *Controller) saveIteration(ctx context.Context, it *persistence.AutonomousIteration) error {
	if err := c.store.SaveSessionIteration(ctx, it); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "save session iteration").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (c *Controller) observe(ctx context.Context, sessionID string, iteration int, typ persistence.ObservationType, content string, meta map[string]string) {
	obs := &persistence.Observation{
		SessionID: sessionID,
		Iteration: iteration,
		Type:      typ,
		Content:   content,
		Metadata:  meta,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.AddObservation(ctx, obs); err != nil {
		c.logger.Warn("failed to record observation", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *Controller) setStatus(ctx context.Context, id string, status persistence.SessionStatus) (*persistence.AutonomousSession, error) {
	sess, err := persistence.UpdateSessionWith(ctx, c.store, id, func(s *persistence.AutonomousSession) error {
		if s.Status == status || s.Status.IsTerminal() {
			return persistence.ErrSkipUpdate
		}
		s.Status = status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}
	c.syncJob(ctx, sess)
	return sess, nil
}

func (c *Controller) setProgress(ctx context.Context, id string, progress int) (*persistence.AutonomousSession, error) {
	sess, err := persistence.UpdateSessionWith(ctx, c.store, id, func(s *persistence.AutonomousSession) error {
		s.Progress = clampProgress(progress)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update session progress: %w", err)
	}
	return sess, nil
}

// finish 把会话转入终止或暂停状态，并同步对应的任务记录
func (c *Controller) finish(ctx context.Context, id string, status persistence.SessionStatus, reason string, it *persistence.AutonomousIteration) error {
	if it != nil && !it.Done {
		it.Done = true
		it.Duration = c.now().Sub(it.StartedAt)
		if err := c.saveIteration(ctx, it); err != nil {
			return err
		}
	}
	changed := false
	sess, err := persistence.UpdateSessionWith(ctx, c.store, id, func(s *persistence.AutonomousSession) error {
		changed = false
		if s.Status.IsTerminal() || s.Status == status {
			return persistence.ErrSkipUpdate
		}
		changed = true
		s.Status = status
		s.StopReason = reason
		if it != nil && it.Number > s.CurrentIteration {
			s.CurrentIteration = it.Number
		}
		switch {
		case reason == ReasonGoalAchieved:
			s.Progress = 100
		case status == persistence.SessionPaused && it != nil && it.Execution != nil:
			s.LastError = it.Execution.Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if !changed {
		return nil
	}
	c.logger.Info("session stopped",
		zap.String("session_id", id),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("iterations", sess.CurrentIteration),
		zap.Int("progress", sess.Progress))
	c.metrics.RecordSession(string(status))
	c.syncJob(ctx, sess)

	ev := streaming.Event{
		Type:       streaming.EventJobComplete,
		JobID:      id,
		Iteration:  sess.CurrentIteration,
		Status:     string(status),
		StopReason: reason,
		Error:      sess.LastError,
		Timestamp:  c.now().UTC(),
	}
	if status == persistence.SessionPaused {
		ev.Type = streaming.EventStatusUpdate
	}
	c.publisher.Publish(ctx, id, ev)
	return nil
}

// syncJob 让同 ID 的任务记录跟随会话状态
func (c *Controller) syncJob(ctx context.Context, sess *persistence.AutonomousSession) {
	var status persistence.JobStatus
	switch sess.Status {
	case persistence.SessionPlanning, persistence.SessionExecuting:
		status = persistence.JobRunning
	case persistence.SessionPaused:
		status = persistence.JobPaused
	case persistence.SessionCompleted:
		status = persistence.JobCompleted
	case persistence.SessionFailed:
		status = persistence.JobFailed
	}
	_, err := persistence.UpdateJobWith(ctx, c.store, sess.ID, func(j *persistence.Job) error {
		if j.Status == status {
			return persistence.ErrSkipUpdate
		}
		now := c.now()
		j.Status = status
		j.StopReason = sess.StopReason
		switch {
		case status.IsTerminal():
			j.CompletedAt = &now
			if status == persistence.JobFailed {
				j.LastError = sess.LastError
			}
		case status == persistence.JobRunning && j.StartedAt == nil:
			j.StartedAt = &now
		}
		return nil
	})
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		c.logger.Warn("failed to sync job status", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (c *Controller) maxIterations(s *persistence.AutonomousSession) int {
	if s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return c.config.MaxIterations
}

// NeedsHumanInput reports whether an execution error carries the human input marker.
func NeedsHumanInput(errText string) bool {
	return strings.Contains(errText, string(types.ErrNeedsHumanInput))
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func executionPrompt(sess *persistence.AutonomousSession, action *persistence.Action) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal: %s\n\n", sess.Goal)
	fmt.Fprintf(&b, "Next action: %s\n", action.Action)
	if action.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "Expected outcome: %s\n", action.ExpectedOutcome)
	}
	b.WriteString("\nCarry out the action using the available tools and report what you found. ")
	fmt.Fprintf(&b, "If you cannot continue without a decision from the user, say %s and explain what you need.", types.ErrNeedsHumanInput)
	return b.String()
}

const maxObservationContent = 2000

func observationContent(s string) string {
	if len(s) <= maxObservationContent {
		return s
	}
	r := []rune(s)
	if len(r) <= maxObservationContent {
		return s
	}
	return string(r[:maxObservationContent]) + "..."
}
