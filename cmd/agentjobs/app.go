package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentjobs/agent/autonomous"
	agentcontext "github.com/BaSui01/agentjobs/agent/context"
	"github.com/BaSui01/agentjobs/agent/longrunning"
	"github.com/BaSui01/agentjobs/agent/orchestrator"
	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/api/handlers"
	"github.com/BaSui01/agentjobs/config"
	"github.com/BaSui01/agentjobs/internal/database"
	"github.com/BaSui01/agentjobs/internal/eventbus"
	"github.com/BaSui01/agentjobs/internal/metrics"
	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/internal/redisconn"
	"github.com/BaSui01/agentjobs/internal/server"
	"github.com/BaSui01/agentjobs/internal/telemetry"
	"github.com/BaSui01/agentjobs/internal/worker"
	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/llm/providers/openaicompat"
	"github.com/BaSui01/agentjobs/llm/tokenizer"
	"github.com/BaSui01/agentjobs/llm/tools"
)

type runMode string

const (
	modeServe  runMode = "serve"
	modeWorker runMode = "worker"
)

const queueStatsInterval = 15 * time.Second

// =============================================================================
// 🖥️ App 结构
// =============================================================================

// App 持有进程内所有组件，按依赖顺序启动、逆序关闭
type App struct {
	cfg        *config.Config
	configPath string
	mode       runMode
	level      zap.AtomicLevel
	logger     *zap.Logger

	telemetry *telemetry.Providers
	collector *metrics.Collector

	redis  *redisconn.Manager
	dbPool *database.PoolManager
	store  persistence.Store
	queue  queue.Queue
	bus    eventbus.Bus

	provider llm.Provider
	service  *orchestrator.Service
	pool     *worker.Pool

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 后台任务（限流清理、队列指标、配置监听）的生命周期
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewApp 创建应用实例
func NewApp(cfg *config.Config, configPath string, mode runMode, level zap.AtomicLevel, logger *zap.Logger) *App {
	return &App{
		cfg:        cfg,
		configPath: configPath,
		mode:       mode,
		level:      level,
		logger:     logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有组件，失败时已启动的部分由 Shutdown 释放
func (a *App) Start(ctx context.Context) error {
	if a.mode == modeWorker && a.cfg.Queue.Backend != "redis" {
		return fmt.Errorf("worker mode needs queue.backend=redis, got %q", a.cfg.Queue.Backend)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.bgCancel = cancel

	// 1. 遥测与指标
	tp, err := telemetry.Init(ctx, a.cfg.Telemetry, Version, a.logger)
	if err != nil {
		a.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	a.telemetry = tp
	a.collector = metrics.NewCollector("agentjobs", a.logger)

	// 2. 基础设施
	if err := a.initInfra(ctx); err != nil {
		return fmt.Errorf("failed to init infrastructure: %w", err)
	}

	// 3. 引擎、控制器与编排服务
	if err := a.initCore(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	// 4. 恢复中断的任务，再开始消费；worker 副本只消费，恢复由 serve 负责
	if a.mode == modeServe {
		if n, err := a.service.Recover(ctx); err != nil {
			a.logger.Error("recovery incomplete", zap.Int("recovered", n), zap.Error(err))
		} else if n > 0 {
			a.logger.Info("recovered interrupted work", zap.Int("count", n))
		}
	}

	a.pool = worker.NewPool(a.queue, a.service, a.cfg.Worker, a.logger, worker.WithRecorder(a.collector))
	if err := a.pool.Start(bgCtx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	a.goBackground(func() { a.recordQueueDepth(bgCtx) })
	if err := a.startWatcher(bgCtx); err != nil {
		a.logger.Warn("config hot reload disabled", zap.Error(err))
	}

	// 5. HTTP 与 Metrics 服务器
	if a.mode == modeServe {
		if err := a.startHTTPServer(bgCtx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}
	if err := a.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	a.logger.Info("All components started",
		zap.String("mode", string(a.mode)),
		zap.Int("http_port", a.cfg.Server.HTTPPort),
		zap.Int("metrics_port", a.cfg.Server.MetricsPort),
		zap.String("store", string(a.cfg.Store.Type)),
		zap.String("queue", a.cfg.Queue.Backend),
		zap.String("events", string(a.cfg.Events.Backend)),
		zap.Int("workers", a.cfg.Worker.Concurrency),
		zap.Bool("hot_reload_enabled", a.configPath != ""),
	)
	return nil
}

// initInfra 连接 Redis / 数据库，并创建存储、队列与事件总线
func (a *App) initInfra(ctx context.Context) error {
	var rdb redis.UniversalClient
	if a.cfg.NeedsRedis() {
		m, err := redisconn.NewManager(ctx, a.cfg.Redis, a.logger,
			redisconn.WithHealthCheck(a.cfg.Redis.HealthCheckInterval))
		if err != nil {
			return err
		}
		a.redis = m
		rdb = m.Client()
	}

	var db *gorm.DB
	if a.cfg.Store.Type == persistence.StoreTypeDatabase {
		var err error
		if db, err = database.Open(a.cfg.Database, a.logger); err != nil {
			return err
		}
		a.dbPool, err = database.NewPoolManager(db, database.PoolConfigFrom(a.cfg.Database), a.logger,
			database.WithRecorder(a.collector),
			database.WithName(a.cfg.Database.Driver),
		)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				sqlDB.Close()
			}
			return err
		}
	}

	store, err := persistence.NewStore(a.cfg.Store, rdb, db)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.store = store

	if a.queue, err = queue.New(a.cfg.Queue, rdb, a.logger); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if a.bus, err = eventbus.New(a.cfg.Events, rdb, a.logger); err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	return nil
}

// initCore 组装模型客户端、工具、上下文管理、引擎与编排服务
func (a *App) initCore() error {
	cfg := *a.cfg
	applyModelDefaults(&cfg)
	cfg.Autonomous.MaxDeliveryAttempts = cfg.Queue.MaxAttempts

	if cfg.Context.Tokenizer == "tiktoken" {
		tokenizer.RegisterOpenAITokenizers()
	}

	provider := a.newProvider(cfg.LLM)
	a.provider = provider

	registry := tools.NewRegistry(a.logger)
	if err := registerBuiltinTools(registry, cfg.LLM.Model); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	executor := tools.NewDefaultExecutor(registry, tools.ExecutorConfig{
		MaxRetries:  cfg.Tools.MaxRetries,
		BaseDelay:   cfg.Tools.BaseDelay,
		MaxParallel: cfg.Tools.MaxParallel,
		Timeout:     cfg.Tools.Timeout,
	}, a.logger)
	streamer := tools.NewReActStreamer(provider, executor, tools.ReActConfig{
		Model:    cfg.Engine.DefaultModel,
		MaxSteps: cfg.Engine.MaxSteps,
	}, a.logger)

	contextManager := agentcontext.NewManager(
		agentcontext.NewBudget(cfg.Context.Budget),
		agentcontext.NewSummarizer(provider, cfg.Context.Summarizer, a.logger),
		a.logger,
	)

	engine, err := longrunning.NewEngine(a.store, a.queue, streamer, cfg.Engine, a.logger,
		longrunning.WithContextManager(contextManager),
		longrunning.WithTools(registry),
		longrunning.WithPublisher(a.bus),
		longrunning.WithMetrics(a.collector),
	)
	if err != nil {
		return err
	}

	controller, err := autonomous.NewController(a.store, provider, engine, a.queue, cfg.Autonomous, a.logger,
		autonomous.WithPublisher(a.bus),
		autonomous.WithMetrics(a.collector),
	)
	if err != nil {
		return err
	}

	a.service, err = orchestrator.NewService(a.store, a.queue, engine, controller, a.logger,
		orchestrator.WithDecomposer(planning.NewDecomposer(provider, cfg.Planner, a.logger)),
		orchestrator.WithTools(registry),
		orchestrator.WithBus(a.bus),
	)
	return err
}

// newProvider 创建 OpenAI 兼容客户端并包装重试与熔断
func (a *App) newProvider(cfg config.LLMConfig) llm.Provider {
	name := cfg.Provider
	if name == "" {
		name = "openai"
	}
	if cfg.APIKey == "" {
		a.logger.Warn("LLM API key not configured, model calls will be rejected by the provider",
			zap.String("provider", name))
	}

	base := openaicompat.New(openaicompat.Config{
		ProviderName: name,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.Model,
		Timeout:      cfg.Timeout,
	}, a.logger)

	rc := llm.DefaultResilientConfig()
	rc.MaxRetries = cfg.MaxRetries
	return llm.NewResilientProvider(base, rc, a.logger)
}

// applyModelDefaults 未单独配置模型的组件使用 llm.model
func applyModelDefaults(cfg *config.Config) {
	model := cfg.LLM.Model
	for _, m := range []*string{
		&cfg.Engine.DefaultModel,
		&cfg.Context.Summarizer.Model,
		&cfg.Planner.Model,
		&cfg.Autonomous.Model,
	} {
		if *m == "" {
			*m = model
		}
	}
}

// =============================================================================
// 🔄 后台任务
// =============================================================================

func (a *App) goBackground(fn func()) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn()
	}()
}

// recordQueueDepth 定期导出队列深度
func (a *App) recordQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(queueStatsInterval)
	defer ticker.Stop()

	for {
		stats, err := a.service.QueueStats(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Debug("queue stats unavailable", zap.Error(err))
			}
		} else {
			a.collector.RecordQueueDepth(stats.Ready, stats.Delayed, stats.Processing, stats.Failed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startWatcher 监听配置文件。日志级别即时生效，其余字段需要重启。
func (a *App) startWatcher(ctx context.Context) error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, config.NewLoader(), config.WithWatcherLogger(a.logger))
	if err != nil {
		return err
	}
	w.OnReload(func(c *config.Config) {
		if err := c.Validate(); err != nil {
			a.logger.Warn("reloaded config is invalid, ignored", zap.Error(err))
			return
		}
		next := zapLevel(c.Log.Level).Level()
		if next != a.level.Level() {
			a.level.SetLevel(next)
			a.logger.Info("log level changed", zap.String("level", next.String()))
		}
		a.logger.Info("Configuration reloaded; settings other than log.level apply after restart")
	})

	a.goBackground(func() {
		if err := w.Run(ctx); err != nil {
			a.logger.Warn("config watcher stopped", zap.Error(err))
		}
	})
	return nil
}

func (a *App) pingProvider(ctx context.Context) error {
	st, err := a.provider.HealthCheck(ctx)
	if err != nil {
		return err
	}
	if !st.Healthy {
		return fmt.Errorf("provider %s unhealthy", a.provider.Name())
	}
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (a *App) startHTTPServer(ctx context.Context) error {
	srv := a.cfg.Server

	health := handlers.NewHealthHandler(a.logger)
	health.RegisterCheck(handlers.NewPingCheck("store", a.store.Ping))
	if a.redis != nil {
		health.RegisterCheck(handlers.NewPingCheck("redis", a.redis.Ping))
	}
	if a.dbPool != nil {
		health.RegisterCheck(handlers.NewPingCheck("database", a.dbPool.Ping))
	}
	if a.provider != nil {
		// 模型服务不可用时仍可接受查询与取消，只标记为 degraded
		health.RegisterOptionalCheck(handlers.NewPingCheck("llm", a.pingProvider))
	}

	mux := http.NewServeMux()
	handlers.RegisterHealth(mux, health, Version, BuildTime, GitCommit)
	handlers.Routes{
		Jobs: handlers.NewJobHandler(a.service, a.logger,
			handlers.WithHeartbeat(srv.HeartbeatInterval),
			handlers.WithOriginPatterns(originHosts(srv.CORSAllowedOrigins)),
		),
		Sessions: handlers.NewSessionHandler(a.service, a.logger),
		Queue:    handlers.NewQueueHandler(a.service, a.logger),
	}.Register(mux)
	if srv.MetricsPort == 0 {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(a.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(a.logger),
		MetricsMiddleware(a.collector),
		CORS(srv.CORSAllowedOrigins),
		Authenticate(srv, skipAuthPaths, a.logger),
		RateLimiter(ctx, float64(srv.RateLimitRPS), srv.RateLimitBurst, a.logger),
	)

	a.httpManager = server.NewManager("api", handler, server.Config{
		Addr:            fmt.Sprintf(":%d", srv.HTTPPort),
		ReadTimeout:     srv.ReadTimeout,
		WriteTimeout:    srv.WriteTimeout,
		IdleTimeout:     2 * srv.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: srv.ShutdownTimeout,
		TLSCertFile:     srv.TLSCertFile,
		TLSKeyFile:      srv.TLSKeyFile,
	}, a.logger)
	if err := a.httpManager.Start(); err != nil {
		return err
	}

	a.logger.Info("HTTP server started", zap.String("addr", a.httpManager.Addr()))
	return nil
}

// startMetricsServer 独立端口导出 Prometheus 指标，端口为 0 时跳过
func (a *App) startMetricsServer() error {
	srv := a.cfg.Server
	if srv.MetricsPort == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	a.metricsManager = server.NewManager("metrics", mux, server.Config{
		Addr:            fmt.Sprintf(":%d", srv.MetricsPort),
		ReadTimeout:     srv.ReadTimeout,
		WriteTimeout:    srv.WriteTimeout,
		ShutdownTimeout: srv.ShutdownTimeout,
	}, a.logger)
	if err := a.metricsManager.Start(); err != nil {
		return err
	}

	a.logger.Info("Metrics server started", zap.String("addr", a.metricsManager.Addr()))
	return nil
}

// originHosts 将 CORS 来源转换为 WebSocket 的 host 匹配模式
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
	}
	return hosts
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Wait 阻塞直到收到信号或服务器异常退出
func (a *App) Wait(ctx context.Context) {
	var httpErrs, metricsErrs <-chan error
	if a.httpManager != nil {
		httpErrs = a.httpManager.Errors()
	}
	if a.metricsManager != nil {
		metricsErrs = a.metricsManager.Errors()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-httpErrs:
		a.logger.Error("HTTP server exited unexpectedly", zap.Error(err))
	case err := <-metricsErrs:
		a.logger.Error("metrics server exited unexpectedly", zap.Error(err))
	}
}

// Shutdown 按启动的逆序关闭：先停止接收请求，再排空 worker，最后释放连接
func (a *App) Shutdown() {
	a.logger.Info("Starting graceful shutdown...")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpManager != nil {
		if err := a.httpManager.Shutdown(ctx); err != nil {
			a.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if a.pool != nil {
		if err := a.pool.Stop(ctx); err != nil {
			a.logger.Error("worker pool did not drain in time", zap.Error(err))
		}
	}

	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.bg.Wait()

	if a.metricsManager != nil {
		if err := a.metricsManager.Shutdown(ctx); err != nil {
			a.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if a.bus != nil {
		a.closeComponent("event bus", a.bus.Close)
	}
	if a.queue != nil {
		a.closeComponent("queue", a.queue.Close)
	}
	if a.store != nil {
		a.closeComponent("store", a.store.Close)
	}
	if a.dbPool != nil {
		a.closeComponent("database", a.dbPool.Close)
	}
	if a.redis != nil {
		a.closeComponent("redis", a.redis.Close)
	}

	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	a.logger.Info("Graceful shutdown completed")
}

func (a *App) closeComponent(name string, fn func() error) {
	if err := fn(); err != nil {
		a.logger.Error("close failed", zap.String("component", name), zap.Error(err))
	}
}
