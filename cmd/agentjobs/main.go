// =============================================================================
// AgentJobs 主入口
// =============================================================================
// 长时运行智能体任务引擎：HTTP API、步骤队列 worker、健康检查、Prometheus 指标
//
// 使用方法:
//
//	agentjobs serve                       # 启动 API 与 worker
//	agentjobs serve --config config.yaml  # 指定配置文件（支持热更新日志级别）
//	agentjobs worker --config config.yaml # 仅启动 worker（共享 Redis 队列时横向扩展）
//	agentjobs version                     # 显示版本信息
//	agentjobs health                      # 健康检查
//	agentjobs migrate up                  # 运行数据库迁移
//	agentjobs migrate status              # 查看迁移状态
// =============================================================================

// @title AgentJobs API
// @version 1.0.0
// @description AgentJobs runs long-lived agent jobs as checkpointed iterations over a durable step queue.
// @description
// @description ## Features
// @description - Jobs with automatic task decomposition, pause, resume and cancel
// @description - Autonomous goal-driven sessions
// @description - Progress streaming via SSE and WebSocket
// @description - Dead-letter inspection and retry

// @contact.name AgentJobs Team
// @contact.url https://github.com/BaSui01/agentjobs

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentjobs/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:], modeServe)
	case "worker":
		runServe(os.Args[2:], modeWorker)
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve / worker 命令
// =============================================================================

func runServe(args []string, mode runMode) {
	fs := flag.NewFlagSet(string(mode), flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := zapLevel(cfg.Log.Level)
	logger := initLogger(cfg.Log, level)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting AgentJobs",
		zap.String("mode", string(mode)),
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, *configPath, mode, level, logger)
	if err := app.Start(ctx); err != nil {
		logger.Error("Failed to start", zap.Error(err))
		app.Shutdown()
		_ = logger.Sync()
		os.Exit(1)
	}

	app.Wait(ctx)
	app.Shutdown()

	logger.Info("AgentJobs stopped")
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check readiness (dependencies) instead of liveness")
	_ = fs.Parse(args)

	path := "/health"
	if *ready {
		path = "/ready"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("AgentJobs %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`AgentJobs - Long-running agent job engine

Usage:
  agentjobs <command> [options]

Commands:
  serve     Start the HTTP API together with the step workers
  worker    Start step workers only (requires a shared redis queue)
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve' and 'worker':
  --config <path>   Path to configuration file (YAML)

Options for 'health':
  --addr <url>      Server address (default http://localhost:8080)
  --ready           Check readiness instead of liveness

Environment variables use the AGENTJOBS_ prefix, e.g.
  AGENTJOBS_LLM_API_KEY, AGENTJOBS_QUEUE_BACKEND, AGENTJOBS_REDIS_ADDR

Examples:
  agentjobs serve
  agentjobs serve --config /etc/agentjobs/config.yaml
  agentjobs worker --config /etc/agentjobs/config.yaml
  agentjobs migrate up
  agentjobs health --addr http://localhost:8080 --ready
  agentjobs version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// zapLevel 解析日志级别，未知值按 info 处理
func zapLevel(s string) zap.AtomicLevel {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil || s == "" {
		level = zapcore.InfoLevel
	}
	return zap.NewAtomicLevelAt(level)
}

// initLogger 使用共享的 AtomicLevel 构建 logger，配置热更新时可直接调整级别
func initLogger(cfg config.LogConfig, level zap.AtomicLevel) *zap.Logger {
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: true,
	}

	var opts []zap.Option
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
