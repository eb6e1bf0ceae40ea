package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/autonomous"
	"github.com/BaSui01/agentjobs/agent/longrunning"
	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/agent/streaming"
	"github.com/BaSui01/agentjobs/internal/eventbus"
	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/types"
)

// 控制面写入的停止原因
const (
	ReasonCancelled = "Job cancelled"
	ReasonPaused    = "Paused by user"
)

// JobRequest 提交任务的参数
type JobRequest struct {
	UserID       string   `json:"userId"`
	Goal         string   `json:"goal"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	ToolChoice   string   `json:"toolChoice,omitempty"`
	// ThreadID 续用已有线程，为空时新建
	ThreadID      string `json:"threadId,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	// Orchestrate 强制指定是否分解，为空时由模型判断
	Orchestrate *bool `json:"orchestrate,omitempty"`
}

// SessionRequest 提交自主会话的参数
type SessionRequest struct {
	UserID        string   `json:"userId"`
	Goal          string   `json:"goal"`
	Model         string   `json:"model,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
}

// Service 任务控制面
type Service struct {
	store      persistence.Store
	queue      queue.Queue
	engine     *longrunning.Engine
	controller *autonomous.Controller
	decomposer *planning.Decomposer
	tools      longrunning.ToolCatalog
	bus        eventbus.Bus
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDecomposer 启用编排判断与计划分解
func WithDecomposer(d *planning.Decomposer) Option {
	return func(s *Service) { s.decomposer = d }
}

// WithTools sets the catalog used for planning.
func WithTools(c longrunning.ToolCatalog) Option {
	return func(s *Service) { s.tools = c }
}

// WithBus 设置事件总线，用于发布控制事件和订阅
func WithBus(b eventbus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// NewService creates a Service. The autonomous controller is optional.
func NewService(store persistence.Store, q queue.Queue, engine *longrunning.Engine, controller *autonomous.Controller, logger *zap.Logger, opts ...Option) (*Service, error) {
	if store == nil || q == nil || engine == nil {
		return nil, errors.New("orchestrator: store, queue and engine are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:      store,
		queue:      q,
		engine:     engine,
		controller: controller,
		logger:     logger.With(zap.String("component", "orchestrator")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit 创建标准任务并投递第一个步骤。
// 配置了分解器时先判断是否需要编排，需要时把计划写入任务。
func (s *Service) Submit(ctx context.Context, req JobRequest) (*persistence.Job, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, invalid("goal is required")
	}
	if req.MaxIterations < 0 {
		return nil, invalid("maxIterations must not be negative")
	}
	job := &persistence.Job{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		ThreadID:      req.ThreadID,
		Mode:          persistence.ModeStandard,
		Goal:          goal,
		SystemPrompt:  req.SystemPrompt,
		Model:         req.Model,
		Tools:         req.Tools,
		ToolChoice:    req.ToolChoice,
		Status:        persistence.JobPending,
		MaxIterations: req.MaxIterations,
	}
	if job.ThreadID == "" {
		job.ThreadID = uuid.NewString()
	}

	plan, err := s.plan(ctx, job, req.Orchestrate)
	if err != nil {
		return nil, err
	}
	job.Plan = plan

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "create job").WithCause(err).WithRetryable(true)
	}
	if err := s.enqueueFirst(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.Int("plan_steps", len(job.Plan)))
	s.publishStatus(ctx, job.ID, string(job.Status), "")
	return job, nil
}

func (s *Service) plan(ctx context.Context, job *persistence.Job, force *bool) ([]planning.Subtask, error) {
	if s.decomposer == nil || (force != nil && !*force) {
		return nil, nil
	}
	schemas := s.toolSchemas(job.Tools)
	if force == nil {
		var history []types.Message
		if job.ThreadID != "" {
			history, _ = s.store.LoadMessages(ctx, job.ThreadID)
		}
		decision, err := s.decomposer.ShouldOrchestrate(ctx, planning.Request{Goal: job.Goal, Tools: schemas, History: history})
		if err != nil {
			return nil, err
		}
		if !decision.Orchestrate {
			s.logger.Debug("simple handling", zap.String("reason", decision.Reason))
			return nil, nil
		}
	}
	plan := s.decomposer.DecomposeGoal(ctx, job.Goal, schemas)
	if plan.Fallback {
		s.logger.Warn("decomposition fell back to a single step", zap.String("job_id", job.ID))
	}
	return plan.Steps, nil
}

// SubmitSession 创建自主会话。会话与同 ID 的自主模式任务一起创建，
// 任务记录承载线程、迭代与 Token 统计。
func (s *Service) SubmitSession(ctx context.Context, req SessionRequest) (*persistence.AutonomousSession, error) {
	if s.controller == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "autonomous sessions are not enabled").WithHTTPStatus(503)
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, invalid("goal is required")
	}
	if req.MaxIterations < 0 {
		return nil, invalid("maxIterations must not be negative")
	}
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = s.controller.Config().MaxIterations
	}
	id := uuid.NewString()
	job := &persistence.Job{
		ID:            id,
		UserID:        req.UserID,
		ThreadID:      uuid.NewString(),
		Mode:          persistence.ModeAutonomous,
		Goal:          goal,
		Model:         req.Model,
		Tools:         req.Tools,
		Status:        persistence.JobPending,
		MaxIterations: maxIterations,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "create job").WithCause(err).WithRetryable(true)
	}
	sess := &persistence.AutonomousSession{
		ID:            id,
		UserID:        req.UserID,
		Goal:          goal,
		MaxIterations: maxIterations,
		Status:        persistence.SessionPlanning,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "create session").WithCause(err).WithRetryable(true)
	}
	if err := s.enqueueFirst(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("autonomous session submitted", zap.String("session_id", id), zap.Int("max_iterations", maxIterations))
	s.publishStatus(ctx, id, string(sess.Status), "")
	return sess, nil
}

func (s *Service) enqueueFirst(ctx context.Context, job *persistence.Job) error {
	err := s.queue.Enqueue(ctx, queue.StepMessage{
		JobID:     job.ID,
		UserID:    job.UserID,
		ThreadID:  job.ThreadID,
		StepIndex: 1,
		Mode:      string(job.Mode),
	})
	if err != nil {
		return types.NewError(types.ErrQueueUnavailable, "enqueue first step").WithCause(err).WithRetryable(true)
	}
	return nil
}

// Resume 继续任务：暂停或等待中的任务从下一步继续，
// 失败或卡住的标准任务从最近的检查点恢复。返回投递的步骤编号。
func (s *Service) Resume(ctx context.Context, jobID string) (int, error) {
	job, err := s.job(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Mode == persistence.ModeAutonomous {
		if s.controller == nil {
			return 0, types.NewError(types.ErrServiceUnavailable, "autonomous sessions are not enabled").WithHTTPStatus(503)
		}
		return s.controller.Continue(ctx, jobID)
	}
	switch job.Status {
	case persistence.JobPaused, persistence.JobPending:
		return s.engine.Continue(ctx, jobID)
	case persistence.JobFailed, persistence.JobRunning:
		return s.engine.Resume(ctx, jobID)
	default:
		return 0, types.NewError(types.ErrInvalidTransition, fmt.Sprintf("cannot resume a %s job", job.Status)).WithHTTPStatus(409)
	}
}

// Pause 暂停任务。正在执行的步骤会完成，之后不再续接。
func (s *Service) Pause(ctx context.Context, jobID string) (*persistence.Job, error) {
	job, err := s.job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Mode == persistence.ModeAutonomous && s.controller != nil {
		if err := s.controller.Stop(ctx, jobID, persistence.SessionPaused, ReasonPaused); err != nil {
			return nil, err
		}
		s.clearQueue(ctx, jobID)
		return s.job(ctx, jobID)
	}
	job, err = persistence.UpdateJobWith(ctx, s.store, jobID, func(j *persistence.Job) error {
		switch j.Status {
		case persistence.JobPaused:
			return persistence.ErrSkipUpdate
		case persistence.JobRunning, persistence.JobPending:
		default:
			return types.NewError(types.ErrInvalidTransition, fmt.Sprintf("cannot pause a %s job", j.Status)).WithHTTPStatus(409)
		}
		j.Status = persistence.JobPaused
		j.StopReason = ReasonPaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.clearQueue(ctx, jobID)
	s.logger.Info("job paused", zap.String("job_id", jobID), zap.Int("iteration", job.CurrentIteration))
	s.publishStatus(ctx, jobID, string(job.Status), "")
	return job, nil
}

// Cancel 取消任务，任务以失败结束。
func (s *Service) Cancel(ctx context.Context, jobID string) (*persistence.Job, error) {
	job, err := s.job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, types.NewError(types.ErrInvalidTransition, fmt.Sprintf("job is already %s", job.Status)).WithHTTPStatus(409)
	}
	s.clearQueue(ctx, jobID)
	if job.Mode == persistence.ModeAutonomous && s.controller != nil {
		if err := s.controller.Stop(ctx, jobID, persistence.SessionFailed, ReasonCancelled); err != nil {
			return nil, err
		}
		return s.job(ctx, jobID)
	}
	job, err = persistence.UpdateJobWith(ctx, s.store, jobID, func(j *persistence.Job) error {
		if j.Status.IsTerminal() {
			return persistence.ErrSkipUpdate
		}
		now := s.now()
		j.Status = persistence.JobFailed
		j.StopReason = ReasonCancelled
		j.LastError = ReasonCancelled
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job cancelled", zap.String("job_id", jobID), zap.Int("iteration", job.CurrentIteration))
	s.publish(ctx, jobID, streaming.Event{
		Type:       streaming.EventJobComplete,
		Iteration:  job.CurrentIteration,
		Status:     string(job.Status),
		StopReason: job.StopReason,
		Error:      job.LastError,
		Usage:      &job.TokenUsage,
	})
	return job, nil
}

// Status 返回任务记录
func (s *Service) Status(ctx context.Context, jobID string) (*persistence.Job, error) {
	return s.job(ctx, jobID)
}

// Iterations 返回任务的迭代记录
func (s *Service) Iterations(ctx context.Context, jobID string) ([]*persistence.Iteration, error) {
	if _, err := s.job(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListIterations(ctx, jobID)
}

// ListJobs 按条件列出任务
func (s *Service) ListJobs(ctx context.Context, filter persistence.JobFilter) ([]*persistence.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// SessionStatus 返回自主会话
func (s *Service) SessionStatus(ctx context.Context, sessionID string) (*persistence.AutonomousSession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewError(types.ErrSessionNotFound, "session not found: "+sessionID).WithHTTPStatus(404)
		}
		return nil, err
	}
	return sess, nil
}

// Observations 返回会话最近 limit 条观察记录
func (s *Service) Observations(ctx context.Context, sessionID string, limit int) ([]*persistence.Observation, error) {
	if _, err := s.SessionStatus(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListObservations(ctx, sessionID, limit)
}

// FailedMessages 返回失败集合中的消息
func (s *Service) FailedMessages(ctx context.Context) ([]queue.FailedMessage, error) {
	return s.queue.Failed(ctx)
}

// RetryFailed 把失败消息重新放回队列
func (s *Service) RetryFailed(ctx context.Context, key string) error {
	if err := s.queue.Retry(ctx, key); err != nil {
		return err
	}
	s.logger.Info("failed message requeued", zap.String("key", key))
	return nil
}

// QueueStats 返回队列统计
func (s *Service) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// Subscribe 订阅任务进度事件。未配置总线时返回错误。
func (s *Service) Subscribe(ctx context.Context, jobID string, buffer int) (<-chan streaming.Event, eventbus.Subscription, error) {
	if s.bus == nil {
		return nil, nil, types.NewError(types.ErrServiceUnavailable, "event bus not configured").WithHTTPStatus(503)
	}
	if _, err := s.job(ctx, jobID); err != nil {
		return nil, nil, err
	}
	return eventbus.Channel(ctx, s.bus, jobID, buffer, s.logger)
}

// Recover 进程启动时恢复中断的任务与会话
func (s *Service) Recover(ctx context.Context) (int, error) {
	n, err := s.engine.RecoverJobs(ctx)
	if err != nil {
		return n, err
	}
	if s.controller == nil {
		return n, nil
	}
	m, err := s.controller.Recover(ctx)
	return n + m, err
}

func (s *Service) job(ctx context.Context, jobID string) (*persistence.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewError(types.ErrJobNotFound, "job not found: "+jobID).WithHTTPStatus(404)
		}
		return nil, err
	}
	return job, nil
}

func (s *Service) clearQueue(ctx context.Context, jobID string) {
	if n, err := s.queue.Remove(ctx, jobID); err != nil {
		s.logger.Warn("failed to remove queued steps", zap.String("job_id", jobID), zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("removed queued steps", zap.String("job_id", jobID), zap.Int("count", n))
	}
}

func (s *Service) toolSchemas(names []string) []types.ToolSchema {
	if s.tools == nil {
		return nil
	}
	all := s.tools.Schemas()
	if len(names) == 0 {
		return all
	}
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}
	out := make([]types.ToolSchema, 0, len(names))
	for _, sc := range all {
		if _, ok := allowed[sc.Name]; ok {
			out = append(out, sc)
		}
	}
	return out
}

func (s *Service) publish(ctx context.Context, jobID string, ev streaming.Event) {
	if s.bus == nil {
		return
	}
	ev.JobID = jobID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	s.bus.Publish(ctx, jobID, ev)
}

func (s *Service) publishStatus(ctx context.Context, jobID, status, errText string) {
	s.publish(ctx, jobID, streaming.Event{Type: streaming.EventStatusUpdate, Status: status, Error: errText})
}

func invalid(msg string) error {
	return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(400)
}
