package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager 管理一个 HTTP 监听端口（API 或 metrics）。
// 所有请求的 context 派生自同一个 base context，Shutdown 时先取消它，
// 让 SSE / WebSocket 进度流主动结束，再等待普通请求排空。
type Manager struct {
	name   string
	config Config
	logger *zap.Logger
	server *http.Server

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.RWMutex
	listener net.Listener
	closed   bool
	errCh    chan error
}

// Config 监听配置
type Config struct {
	Addr           string        `yaml:"addr" json:"addr"` // ":0" 表示随机端口
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"` // 流式端点通过 http.ResponseController 解除
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// 两者都设置时使用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// TLSEnabled 是否配置了证书
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// NewManager 创建管理器，name 出现在日志字段 server 中
func NewManager(name string, handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		name:       name,
		config:     cfg,
		logger:     logger.With(zap.String("component", "http_server"), zap.String("server", name)),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		errCh:      make(chan error, 1),
	}
	m.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return m.baseCtx },
		ErrorLog:          zap.NewStdLog(m.logger),
	}
	return m
}

// Start 监听并在后台处理请求
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return fmt.Errorf("server %s is closed", m.name)
	case m.listener != nil:
		return fmt.Errorf("server %s already started", m.name)
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.config.Addr, err)
	}
	m.listener = ln

	m.logger.Info("HTTP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", m.config.TLSEnabled()),
	)
	go m.serve(ln)
	return nil
}

func (m *Manager) serve(ln net.Listener) {
	var err error
	if m.config.TLSEnabled() {
		err = m.server.ServeTLS(ln, m.config.TLSCertFile, m.config.TLSKeyFile)
	} else {
		err = m.server.Serve(ln)
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	m.logger.Error("HTTP server failed", zap.Error(err))
	select {
	case m.errCh <- err:
	default:
	}
}

// Shutdown 取消进行中的流式请求，然后在 ShutdownTimeout 内等待其余请求结束
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("shutting down HTTP server")
	m.cancelBase()

	ctx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("graceful shutdown failed, closing connections", zap.Error(err))
		_ = m.server.Close()
		return err
	}
	m.logger.Info("HTTP server stopped")
	return nil
}

// Wait 阻塞到 ctx 结束或服务异常退出，然后关闭服务。
// ctx 正常结束时返回 nil。
func (m *Manager) Wait(ctx context.Context) error {
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-m.errCh:
		m.logger.Error("server exited unexpectedly", zap.Error(serveErr))
	}

	if err := m.Shutdown(context.WithoutCancel(ctx)); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}

// Errors 异步的服务错误
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 实际监听地址，未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener != nil && !m.closed
}
