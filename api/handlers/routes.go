package handlers

import "net/http"

// Routes 聚合 /api/v1 下的处理器，nil 的处理器不注册
type Routes struct {
	Jobs     *JobHandler
	Sessions *SessionHandler
	Queue    *QueueHandler
}

// Register 在 mux 上注册业务路由（Go 1.22 方法 + 路径模式）
func (rt Routes) Register(mux *http.ServeMux) {
	if h := rt.Jobs; h != nil {
		mux.HandleFunc("POST /api/v1/jobs", h.HandleSubmit)
		mux.HandleFunc("GET /api/v1/jobs", h.HandleList)
		mux.HandleFunc("GET /api/v1/jobs/{id}", h.HandleGet)
		mux.HandleFunc("GET /api/v1/jobs/{id}/iterations", h.HandleIterations)
		mux.HandleFunc("POST /api/v1/jobs/{id}/pause", h.HandlePause)
		mux.HandleFunc("POST /api/v1/jobs/{id}/resume", h.HandleResume)
		mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.HandleCancel)
		mux.HandleFunc("GET /api/v1/jobs/{id}/events", h.HandleEvents)
		mux.HandleFunc("GET /api/v1/jobs/{id}/ws", h.HandleWebSocket)
	}
	if h := rt.Sessions; h != nil {
		mux.HandleFunc("POST /api/v1/sessions", h.HandleSubmit)
		mux.HandleFunc("GET /api/v1/sessions/{id}", h.HandleGet)
		mux.HandleFunc("GET /api/v1/sessions/{id}/observations", h.HandleObservations)
	}
	if h := rt.Queue; h != nil {
		mux.HandleFunc("GET /api/v1/queue/failed", h.HandleFailed)
		mux.HandleFunc("POST /api/v1/queue/failed/{key}/retry", h.HandleRetry)
		mux.HandleFunc("GET /api/v1/queue/stats", h.HandleStats)
	}
}

// RegisterHealth 注册健康检查与版本路由，这些路由不需要认证
func RegisterHealth(mux *http.ServeMux, h *HealthHandler, version, buildTime, gitCommit string) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.HandleFunc("GET /version", h.HandleVersion(version, buildTime, gitCommit))
}
