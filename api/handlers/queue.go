package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/types"
)

// QueueService 运维接口依赖的队列能力
type QueueService interface {
	FailedMessages(ctx context.Context) ([]queue.FailedMessage, error)
	RetryFailed(ctx context.Context, key string) error
	QueueStats(ctx context.Context) (*queue.Stats, error)
}

// QueueHandler 失败消息查看与重试
type QueueHandler struct {
	svc    QueueService
	logger *zap.Logger
}

// NewQueueHandler 创建队列处理器
func NewQueueHandler(svc QueueService, logger *zap.Logger) *QueueHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueHandler{svc: svc, logger: logger.With(zap.String("handler", "queue"))}
}

// HandleFailed GET /api/v1/queue/failed
func (h *QueueHandler) HandleFailed(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.FailedMessages(r.Context())
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if msgs == nil {
		msgs = []queue.FailedMessage{}
	}
	WriteSuccess(w, msgs)
}

// HandleRetry POST /api/v1/queue/failed/{key}/retry
func (h *QueueHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "message key is required", h.logger)
		return
	}
	if err := h.svc.RetryFailed(r.Context(), key); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteAccepted(w, map[string]string{"key": key})
}

// HandleStats GET /api/v1/queue/stats
func (h *QueueHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats(r.Context())
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, stats)
}
