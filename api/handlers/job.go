package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/orchestrator"
	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/streaming"
	"github.com/BaSui01/agentjobs/internal/eventbus"
	"github.com/BaSui01/agentjobs/types"
)

// JobService 任务处理器依赖的控制面能力，由 orchestrator.Service 实现
type JobService interface {
	Submit(ctx context.Context, req orchestrator.JobRequest) (*persistence.Job, error)
	Status(ctx context.Context, jobID string) (*persistence.Job, error)
	Iterations(ctx context.Context, jobID string) ([]*persistence.Iteration, error)
	ListJobs(ctx context.Context, filter persistence.JobFilter) ([]*persistence.Job, error)
	Pause(ctx context.Context, jobID string) (*persistence.Job, error)
	Resume(ctx context.Context, jobID string) (int, error)
	Cancel(ctx context.Context, jobID string) (*persistence.Job, error)
	Subscribe(ctx context.Context, jobID string, buffer int) (<-chan streaming.Event, eventbus.Subscription, error)
}

// ResumeResult resume 接口的返回
type ResumeResult struct {
	JobID     string `json:"job_id"`
	StepIndex int    `json:"step_index"`
}

// JobHandler 任务 API
type JobHandler struct {
	svc    JobService
	logger *zap.Logger

	heartbeat      time.Duration
	wsWriteTimeout time.Duration
	originPatterns []string
}

// JobHandlerOption configures a JobHandler.
type JobHandlerOption func(*JobHandler)

// WithHeartbeat 设置 SSE 保活间隔
func WithHeartbeat(d time.Duration) JobHandlerOption {
	return func(h *JobHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithOriginPatterns 设置 WebSocket 允许的来源
func WithOriginPatterns(patterns []string) JobHandlerOption {
	return func(h *JobHandler) { h.originPatterns = patterns }
}

// NewJobHandler 创建任务处理器
func NewJobHandler(svc JobService, logger *zap.Logger, opts ...JobHandlerOption) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &JobHandler{
		svc:            svc,
		logger:         logger.With(zap.String("handler", "jobs")),
		heartbeat:      15 * time.Second,
		wsWriteTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleSubmit POST /api/v1/jobs
func (h *JobHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req orchestrator.JobRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	// 认证过的调用方以令牌中的用户为准
	if uid, ok := types.UserID(r.Context()); ok {
		req.UserID = uid
	}

	job, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteAccepted(w, job)
}

// HandleList GET /api/v1/jobs?status=running&mode=standard&limit=50
func (h *JobHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.JobFilter{
		UserID: q.Get("user_id"),
		Mode:   persistence.JobMode(q.Get("mode")),
		Limit:  queryInt(r, "limit", 50),
	}
	if uid, ok := types.UserID(r.Context()); ok {
		filter.UserID = uid
	}
	for _, s := range q["status"] {
		filter.Status = append(filter.Status, persistence.JobStatus(s))
	}

	jobs, err := h.svc.ListJobs(r.Context(), filter)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if jobs == nil {
		jobs = []*persistence.Job{}
	}
	WriteSuccess(w, jobs)
}

// HandleGet GET /api/v1/jobs/{id}
func (h *JobHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, job)
}

// HandleIterations GET /api/v1/jobs/{id}/iterations
func (h *JobHandler) HandleIterations(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	its, err := h.svc.Iterations(r.Context(), job.ID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if its == nil {
		its = []*persistence.Iteration{}
	}
	WriteSuccess(w, its)
}

// HandlePause POST /api/v1/jobs/{id}/pause
func (h *JobHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Pause(r.Context(), job.ID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, job)
}

// HandleResume POST /api/v1/jobs/{id}/resume
func (h *JobHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	step, err := h.svc.Resume(r.Context(), job.ID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteAccepted(w, ResumeResult{JobID: job.ID, StepIndex: step})
}

// HandleCancel POST /api/v1/jobs/{id}/cancel
func (h *JobHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Cancel(r.Context(), job.ID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, job)
}

// ownedJob 读取路径中的任务；认证用户只能看到自己的任务，其余一律 404
func (h *JobHandler) ownedJob(w http.ResponseWriter, r *http.Request) (*persistence.Job, bool) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "job id is required", h.logger)
		return nil, false
	}
	job, err := h.svc.Status(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return nil, false
	}
	if uid, ok := types.UserID(r.Context()); ok && job.UserID != "" && job.UserID != uid {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrJobNotFound, "job not found: "+id, h.logger)
		return nil, false
	}
	return job, true
}

// =============================================================================
// 📡 进度推送
// =============================================================================

// subscribe 订阅后再读一次状态：订阅前已结束的任务直接补发一个 job-complete
func (h *JobHandler) subscribe(ctx context.Context, job *persistence.Job) (<-chan streaming.Event, eventbus.Subscription, *streaming.Event, error) {
	events, sub, err := h.svc.Subscribe(ctx, job.ID, 256)
	if err != nil {
		return nil, nil, nil, err
	}
	latest, err := h.svc.Status(ctx, job.ID)
	if err != nil {
		sub.Unsubscribe()
		return nil, nil, nil, err
	}
	if latest.Status.IsTerminal() {
		return events, sub, &streaming.Event{
			Type:       streaming.EventJobComplete,
			JobID:      latest.ID,
			Iteration:  latest.CurrentIteration,
			Status:     string(latest.Status),
			StopReason: latest.StopReason,
			Error:      latest.LastError,
			Usage:      &latest.TokenUsage,
			Timestamp:  time.Now().UTC(),
		}, nil
	}
	return events, sub, nil, nil
}

// HandleEvents GET /api/v1/jobs/{id}/events，SSE 推送直到 job-complete 或客户端断开
func (h *JobHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	events, sub, final, err := h.subscribe(ctx, job)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	defer sub.Unsubscribe()

	// 长连接不受 server WriteTimeout 限制
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("cannot clear write deadline", zap.Error(err))
	}

	sink, err := streaming.NewSSESink(w)
	if err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, err.Error(), h.logger)
		return
	}
	if final != nil {
		h.writeFinal(sink, *final)
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.Comment("heartbeat"); err != nil {
				return
			}
		case ev := <-events:
			data, err := ev.Encode()
			if err != nil {
				h.logger.Warn("encode event failed", zap.Error(err))
				continue
			}
			if err := sink.Write(data); err != nil {
				h.logger.Debug("sse client gone", zap.String("job_id", job.ID), zap.Error(err))
				return
			}
			if ev.Terminal() {
				_ = sink.End()
				return
			}
		}
	}
}

// HandleWebSocket GET /api/v1/jobs/{id}/ws
func (h *JobHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	events, sub, final, err := h.subscribe(r.Context(), job)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	defer sub.Unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 只推不收，CloseRead 在客户端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())
	sink := streaming.NewWebSocketSink(conn, h.wsWriteTimeout)
	if final != nil {
		h.writeFinal(sink, *final)
		return
	}
	if err := streaming.Forward(ctx, sink, events); err != nil {
		h.logger.Debug("websocket stream ended", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (h *JobHandler) writeFinal(sink streaming.Sink, ev streaming.Event) {
	data, err := ev.Encode()
	if err == nil {
		err = sink.Write(data)
	}
	if err != nil {
		h.logger.Debug("write final event failed", zap.Error(err))
	}
	_ = sink.End()
}
