package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/orchestrator"
	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/types"
)

// SessionService 自主会话处理器依赖的能力
type SessionService interface {
	SubmitSession(ctx context.Context, req orchestrator.SessionRequest) (*persistence.AutonomousSession, error)
	SessionStatus(ctx context.Context, sessionID string) (*persistence.AutonomousSession, error)
	Observations(ctx context.Context, sessionID string, limit int) ([]*persistence.Observation, error)
}

// SessionHandler 自主会话 API。会话的暂停、恢复、取消和进度流
// 复用任务接口，会话 ID 与任务 ID 相同。
type SessionHandler struct {
	svc    SessionService
	logger *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(svc SessionService, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{svc: svc, logger: logger.With(zap.String("handler", "sessions"))}
}

// HandleSubmit POST /api/v1/sessions
func (h *SessionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req orchestrator.SessionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if uid, ok := types.UserID(r.Context()); ok {
		req.UserID = uid
	}
	sess, err := h.svc.SubmitSession(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteAccepted(w, sess)
}

// HandleGet GET /api/v1/sessions/{id}
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, sess)
}

// HandleObservations GET /api/v1/sessions/{id}/observations?limit=20
func (h *SessionHandler) HandleObservations(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	obs, err := h.svc.Observations(r.Context(), sess.ID, queryInt(r, "limit", 20))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if obs == nil {
		obs = []*persistence.Observation{}
	}
	WriteSuccess(w, obs)
}

func (h *SessionHandler) ownedSession(w http.ResponseWriter, r *http.Request) (*persistence.AutonomousSession, bool) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session id is required", h.logger)
		return nil, false
	}
	sess, err := h.svc.SessionStatus(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return nil, false
	}
	if uid, ok := types.UserID(r.Context()); ok && sess.UserID != "" && sess.UserID != uid {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrSessionNotFound, "session not found: "+id, h.logger)
		return nil, false
	}
	return sess, true
}
