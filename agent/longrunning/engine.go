package longrunning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	agentcontext "github.com/BaSui01/agentjobs/agent/context"
	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/agent/streaming"
	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/internal/worker"
	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/types"
)

const instrumentationName = "github.com/BaSui01/agentjobs/agent/longrunning"

// Scheduler 续接消息的投递方，queue.Queue 满足该接口
type Scheduler interface {
	Enqueue(ctx context.Context, msg queue.StepMessage, opts ...queue.EnqueueOption) error
	Remove(ctx context.Context, jobID string) (int, error)
	Pending(ctx context.Context, jobID string) (bool, error)
}

// Publisher 进度事件发布方，eventbus.Bus 满足该接口
type Publisher interface {
	Publish(ctx context.Context, jobID string, ev streaming.Event)
}

// ToolCatalog 提供可用工具的 schema
type ToolCatalog interface {
	Schemas() []types.ToolSchema
}

// Metrics 引擎指标，metrics.Collector 满足该接口
type Metrics interface {
	RecordIteration(model, status string, duration time.Duration, usage types.TokenUsage)
	RecordToolCall(tool string, success bool, attempts int, duration time.Duration)
	RecordSummarization(model string, tokensBefore, tokensAfter int)
	RecordJob(status string)
}

type noopMetrics struct{}

func (noopMetrics) RecordIteration(string, string, time.Duration, types.TokenUsage) {}
func (noopMetrics) RecordToolCall(string, bool, int, time.Duration)                 {}
func (noopMetrics) RecordSummarization(string, int, int)                            {}
func (noopMetrics) RecordJob(string)                                                {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, streaming.Event) {}

// Option configures an Engine.
type Option func(*Engine)

// WithContextManager 启用上下文预算与摘要
func WithContextManager(m *agentcontext.Manager) Option {
	return func(e *Engine) { e.contexts = m }
}

// WithTools sets the tool catalog offered to the model.
func WithTools(c ToolCatalog) Option {
	return func(e *Engine) { e.tools = c }
}

// WithPublisher sets the progress event sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine 迭代引擎：每条步骤消息执行一次模型回合，
// 持久化结果后决定续接、完成或失败。
type Engine struct {
	store     persistence.Store
	scheduler Scheduler
	streamer  llm.TurnStreamer
	contexts  *agentcontext.Manager
	tools     ToolCatalog
	publisher Publisher
	metrics   Metrics
	tracer    trace.Tracer
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(store persistence.Store, scheduler Scheduler, streamer llm.TurnStreamer, cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("longrunning: store is required")
	}
	if scheduler == nil {
		return nil, errors.New("longrunning: scheduler is required")
	}
	if streamer == nil {
		return nil, types.NewError(types.ErrProviderNotSet, "longrunning: turn streamer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:     store,
		scheduler: scheduler,
		streamer:  streamer,
		publisher: noopPublisher{},
		metrics:   noopMetrics{},
		tracer:    otel.Tracer(instrumentationName),
		config:    cfg.withDefaults(),
		logger:    logger.With(zap.String("component", "iteration_engine")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// verdict 步骤开始前对任务状态的判断
type verdict int

const (
	proceed verdict = iota
	halt
	finishJob
	failJob
)

func (e *Engine) evaluate(job *persistence.Job) (verdict, string) {
	switch job.Status {
	case persistence.JobPaused:
		return halt, ReasonPaused
	case persistence.JobCompleted:
		return halt, job.StopReason
	case persistence.JobFailed:
		return halt, ReasonJobFailed
	}
	if job.RetryCount > e.config.MaxRetryCount {
		return failJob, ReasonMaxRetries
	}
	if job.Orchestrated() && planning.AllDone(job.Plan) {
		return finishJob, ReasonAllStepsCompleted
	}
	if job.CurrentIteration >= e.maxIterations(job) {
		return finishJob, ReasonMaxIterations
	}
	return proceed, ""
}

// ProcessStep 处理一条步骤消息。返回的错误交给队列重试，
// worker.Fatal 包装的错误直接进入失败集合。
func (e *Engine) ProcessStep(ctx context.Context, msg queue.StepMessage) error {
	ctx = types.WithJobID(ctx, msg.JobID)
	log := e.logger.With(
		zap.String("job_id", msg.JobID),
		zap.Int("step", msg.StepIndex),
		zap.Int("retry", msg.RetryCount),
	)

	if msg.StepIndex < 1 {
		return worker.Fatal(fmt.Errorf("invalid step index %d", msg.StepIndex))
	}
	job, err := e.store.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			log.Warn("job not found, dropping step")
			return worker.Fatal(types.NewError(types.ErrJobNotFound, "job not found: "+msg.JobID))
		}
		return fmt.Errorf("load job: %w", err)
	}

	// 已经应用过的步骤只补发续接
	if msg.StepIndex <= job.CurrentIteration {
		if msg.StepIndex == job.CurrentIteration {
			log.Debug("duplicate step delivery")
			return e.ensureContinuation(ctx, job)
		}
		log.Debug("stale step ignored", zap.Int("current_iteration", job.CurrentIteration))
		return nil
	}
	if msg.StepIndex > job.CurrentIteration+1 {
		return worker.Fatal(fmt.Errorf("step %d is ahead of job iteration %d", msg.StepIndex, job.CurrentIteration))
	}

	switch v, reason := e.evaluate(job); v {
	case halt:
		log.Debug("job not runnable", zap.String("status", string(job.Status)), zap.String("reason", reason))
		return nil
	case finishJob:
		return e.finish(ctx, job.ID, persistence.JobCompleted, reason)
	case failJob:
		return e.finish(ctx, job.ID, persistence.JobFailed, reason)
	}

	if job.Status == persistence.JobPending {
		if job, err = e.start(ctx, job.ID); err != nil {
			return err
		}
		if job.Status != persistence.JobRunning {
			return nil
		}
	}

	// 回合已成功但任务未更新（崩溃窗口或检查点恢复），直接应用已有结果
	if existing, err := e.store.GetIteration(ctx, job.ID, msg.StepIndex); err == nil && existing.Succeeded() {
		log.Info("iteration already recorded, applying stored result")
		if err := e.restoreThread(ctx, job, existing); err != nil {
			return err
		}
		return e.complete(ctx, msg, existing)
	} else if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("load iteration: %w", err)
	}

	prompt, stepID, stepType := e.nextPrompt(job, msg.StepIndex)
	if stepID != "" {
		if err := e.markStepRunning(ctx, job.ID, stepID); err != nil {
			return err
		}
	}

	var it *persistence.Iteration
	if stepType == planning.StepCheckpoint {
		it, err = e.checkpointIteration(ctx, job, msg.StepIndex, stepID)
	} else {
		it, err = e.runTurn(ctx, job, msg.StepIndex, prompt, stepID)
	}
	if err != nil {
		return e.handleTurnError(ctx, msg, it, err)
	}
	return e.complete(ctx, msg, it)
}

func (e *Engine) start(ctx context.Context, id string) (*persistence.Job, error) {
	job, err := persistence.UpdateJobWith(ctx, e.store, id, func(j *persistence.Job) error {
		if j.Status != persistence.JobPending {
			return persistence.ErrSkipUpdate
		}
		now := e.now()
		j.Status = persistence.JobRunning
		j.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	if job.Status == persistence.JobRunning {
		e.metrics.RecordJob(string(persistence.JobRunning))
		e.publishStatus(ctx, job, "")
	}
	return job, nil
}

func (e *Engine) markStepRunning(ctx context.Context, jobID, stepID string) error {
	_, err := persistence.UpdateJobWith(ctx, e.store, jobID, func(j *persistence.Job) error {
		i := stepPosition(j.Plan, stepID)
		if i < 0 || j.Plan[i].Status != planning.StepPending {
			return persistence.ErrSkipUpdate
		}
		j.Plan[i].Status = planning.StepRunning
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}
	return nil
}

// decision 回合结束后的任务走向
type decision struct {
	status persistence.JobStatus
	reason string
	cont   bool
}

func (e *Engine) decide(j *persistence.Job, finishReason string) decision {
	if j.Status != persistence.JobRunning {
		return decision{status: j.Status}
	}
	if j.RetryCount > e.config.MaxRetryCount {
		return decision{status: persistence.JobFailed, reason: ReasonMaxRetries}
	}
	if j.Orchestrated() {
		if planning.AllDone(j.Plan) {
			return decision{status: persistence.JobCompleted, reason: ReasonAllStepsCompleted}
		}
	} else if finishReason != llm.FinishToolCalls && finishReason != llm.FinishLength {
		return decision{status: persistence.JobCompleted, reason: ReasonCompleted}
	}
	if j.CurrentIteration >= e.maxIterations(j) {
		return decision{status: persistence.JobCompleted, reason: ReasonMaxIterations}
	}
	return decision{status: persistence.JobRunning, cont: true}
}

// complete 把成功的回合应用到任务：累计 Token、更新计划步骤、
// 推进 CurrentIteration，并决定续接或结束。
func (e *Engine) complete(ctx context.Context, msg queue.StepMessage, it *persistence.Iteration) error {
	var (
		d        decision
		applied  bool
		findings string
	)
	job, err := persistence.UpdateJobWith(ctx, e.store, msg.JobID, func(j *persistence.Job) error {
		applied, findings = false, ""
		if j.CurrentIteration >= it.Number {
			return persistence.ErrSkipUpdate
		}
		applied = true
		j.CurrentIteration = it.Number
		j.TokenUsage.Add(iterationUsage(it))
		j.LastError = ""

		failure := toolFailure(it)
		if i := stepPosition(j.Plan, it.StepID); i >= 0 {
			if failure != "" {
				j.Plan[i].Status = planning.StepFailed
				j.Plan[i].Error = failure
			} else {
				j.Plan[i].Status = planning.StepCompleted
				j.Plan[i].Error = ""
				j.Plan[i].Output = truncate(iterationText(it), e.config.MaxStepOutput)
				findings = j.Plan[i].Output
			}
		}
		if failure != "" {
			j.RetryCount++
		}

		d = e.decide(j, it.FinishReason)
		if d.status != j.Status && d.status.IsTerminal() {
			e.terminate(j, d.status, d.reason)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply iteration %d: %w", it.Number, err)
	}
	if !applied {
		return e.ensureContinuation(ctx, job)
	}

	if e.shouldCheckpoint(it, findings) {
		e.saveCheckpoint(ctx, job, it, findings)
	}

	switch {
	case d.cont:
		if err := e.enqueue(ctx, job, it.Number+1); err != nil {
			return err
		}
		e.publishStatus(ctx, job, "")
	case d.status.IsTerminal():
		e.logger.Info("job finished",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.String("reason", d.reason),
			zap.Int("iterations", job.CurrentIteration),
			zap.Int("total_tokens", job.TokenUsage.TotalTokens))
		e.metrics.RecordJob(string(job.Status))
		e.publishComplete(ctx, job)
	}
	return nil
}

// ensureContinuation 重复投递时补发可能丢失的续接消息，入队按键去重
func (e *Engine) ensureContinuation(ctx context.Context, job *persistence.Job) error {
	if job.Status != persistence.JobRunning || job.CurrentIteration == 0 {
		return nil
	}
	last, err := e.store.GetIteration(ctx, job.ID, job.CurrentIteration)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load iteration: %w", err)
	}
	if d := e.decide(job, last.FinishReason); d.cont {
		return e.enqueue(ctx, job, job.CurrentIteration+1)
	}
	return nil
}

// handleTurnError 记录失败的回合。上下文超限直接结束任务；
// 其他错误交还队列重试，最后一次投递失败时任务失败。
func (e *Engine) handleTurnError(ctx context.Context, msg queue.StepMessage, it *persistence.Iteration, cause error) error {
	log := e.logger.With(zap.String("job_id", msg.JobID), zap.Int("step", msg.StepIndex))
	if it != nil {
		now := e.now()
		it.Error = cause.Error()
		it.CompletedAt = &now
		it.Duration = now.Sub(it.StartedAt)
		it.InputTokens, it.OutputTokens, it.TotalTokens = 0, 0, 0
		if err := e.store.UpdateIteration(ctx, it); err != nil {
			log.Warn("failed to record iteration error", zap.Error(err))
		}
	}

	contextExceeded := types.IsErrorCode(cause, types.ErrContextTooLong)
	final := contextExceeded || msg.RetryCount+1 >= e.config.MaxDeliveryAttempts
	job, err := persistence.UpdateJobWith(ctx, e.store, msg.JobID, func(j *persistence.Job) error {
		if j.Status.IsTerminal() {
			return persistence.ErrSkipUpdate
		}
		j.LastError = fmt.Sprintf("Iteration %d failed: %v", msg.StepIndex, cause)
		if i := stepPosition(j.Plan, stepOf(it)); i >= 0 && j.Plan[i].Status == planning.StepRunning {
			j.Plan[i].Status = planning.StepPending
		}
		switch {
		case contextExceeded:
			e.terminate(j, persistence.JobFailed, ReasonContextExceeded)
			j.LastError = fmt.Sprintf("%s: %v", ReasonContextExceeded, cause)
		case final && j.Status == persistence.JobRunning:
			e.terminate(j, persistence.JobFailed, "error")
		}
		return nil
	})
	if err != nil {
		log.Error("failed to record job error", zap.Error(err))
		return fmt.Errorf("iteration %d: %w", msg.StepIndex, cause)
	}

	if job.Status == persistence.JobFailed {
		log.Error("job failed", zap.String("reason", job.StopReason), zap.Error(cause))
		e.metrics.RecordJob(string(persistence.JobFailed))
		e.publishComplete(ctx, job)
		if contextExceeded {
			return nil
		}
	} else {
		log.Warn("iteration failed, will retry", zap.Error(cause))
		e.publishStatus(ctx, job, job.LastError)
	}
	return fmt.Errorf("iteration %d: %w", msg.StepIndex, cause)
}

func (e *Engine) finish(ctx context.Context, id string, status persistence.JobStatus, reason string) error {
	changed := false
	job, err := persistence.UpdateJobWith(ctx, e.store, id, func(j *persistence.Job) error {
		changed = false
		if j.Status.IsTerminal() {
			return persistence.ErrSkipUpdate
		}
		changed = true
		e.terminate(j, status, reason)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if changed {
		e.logger.Info("job finished", zap.String("job_id", id), zap.String("status", string(status)), zap.String("reason", reason))
		e.metrics.RecordJob(string(status))
		e.publishComplete(ctx, job)
	}
	return nil
}

func (e *Engine) terminate(j *persistence.Job, status persistence.JobStatus, reason string) {
	now := e.now()
	j.Status = status
	j.StopReason = reason
	j.CompletedAt = &now
	if status == persistence.JobFailed && j.LastError == "" {
		j.LastError = reason
	}
}

func (e *Engine) enqueue(ctx context.Context, job *persistence.Job, step int) error {
	msg := queue.StepMessage{
		JobID:     job.ID,
		UserID:    job.UserID,
		ThreadID:  job.ThreadID,
		StepIndex: step,
		Mode:      string(job.Mode),
	}
	var opts []queue.EnqueueOption
	if e.config.ContinuationDelay > 0 {
		opts = append(opts, queue.WithDelay(e.config.ContinuationDelay))
	}
	if err := e.scheduler.Enqueue(ctx, msg, opts...); err != nil {
		return types.NewError(types.ErrQueueUnavailable, "enqueue continuation").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (e *Engine) maxIterations(j *persistence.Job) int {
	if j.MaxIterations > 0 {
		return j.MaxIterations
	}
	return e.config.MaxIterations
}

func (e *Engine) model(j *persistence.Job) string {
	if j.Model != "" {
		return j.Model
	}
	return e.config.DefaultModel
}

func (e *Engine) publish(ctx context.Context, job *persistence.Job, ev streaming.Event) {
	ev.JobID = job.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	e.publisher.Publish(ctx, job.ID, ev)
}

func (e *Engine) publishStatus(ctx context.Context, job *persistence.Job, errText string) {
	e.publish(ctx, job, streaming.Event{
		Type:      streaming.EventStatusUpdate,
		Iteration: job.CurrentIteration,
		Status:    string(job.Status),
		Error:     errText,
	})
}

func (e *Engine) publishComplete(ctx context.Context, job *persistence.Job) {
	usage := job.TokenUsage
	e.publish(ctx, job, streaming.Event{
		Type:       streaming.EventJobComplete,
		Iteration:  job.CurrentIteration,
		Status:     string(job.Status),
		StopReason: job.StopReason,
		Usage:      &usage,
		Error:      job.LastError,
	})
}

func stepPosition(plan []planning.Subtask, id string) int {
	if id == "" {
		return -1
	}
	for i := range plan {
		if plan[i].ID == id {
			return i
		}
	}
	return -1
}

func stepOf(it *persistence.Iteration) string {
	if it == nil {
		return ""
	}
	return it.StepID
}

// toolFailure 返回重试耗尽的工具调用错误，没有时为空
func toolFailure(it *persistence.Iteration) string {
	for _, rec := range it.ToolCalls {
		if rec.Error != "" {
			return fmt.Sprintf("tool %s failed after %d attempts: %s", rec.Name, rec.Attempts, rec.Error)
		}
	}
	return ""
}

func iterationUsage(it *persistence.Iteration) types.TokenUsage {
	return types.TokenUsage{
		PromptTokens:     it.InputTokens,
		CompletionTokens: it.OutputTokens,
		TotalTokens:      it.TotalTokens,
	}
}

func iterationText(it *persistence.Iteration) string {
	if it.Message == nil {
		return ""
	}
	return it.Message.Text()
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
