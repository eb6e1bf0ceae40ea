// =============================================================================
// 📦 AgentJobs 默认配置
// =============================================================================
// 提供所有配置项的合理默认值，组件配置沿用各包自己的 Default*
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentjobs/agent/autonomous"
	agentcontext "github.com/BaSui01/agentjobs/agent/context"
	"github.com/BaSui01/agentjobs/agent/longrunning"
	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/internal/eventbus"
	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/internal/worker"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Log:        DefaultLogConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Store:      persistence.DefaultStoreConfig(),
		Queue:      queue.DefaultConfig(),
		Worker:     worker.DefaultConfig(),
		Events:     eventbus.DefaultConfig(),
		Engine:     longrunning.DefaultConfig(),
		Context:    DefaultContextConfig(),
		Planner:    planning.DefaultDecomposerConfig(),
		Autonomous: autonomous.DefaultConfig(),
		Tools:      DefaultToolsConfig(),
		LLM:        DefaultLLMConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:          8080,
		MetricsPort:       9091,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RateLimitRPS:      100,
		RateLimitBurst:    200,
		HeartbeatInterval: 15 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentjobs",
		Password:        "",
		Name:            "agentjobs",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultContextConfig 返回默认上下文配置
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		Budget:     agentcontext.DefaultBudgetConfig(),
		Summarizer: agentcontext.SummarizerConfig{MaxTokens: 1024},
		Tokenizer:  "estimate",
	}
}

// DefaultToolsConfig 返回默认工具执行配置
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		MaxRetries:  2,
		BaseDelay:   500 * time.Millisecond,
		MaxParallel: 4,
		Timeout:     time.Minute,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:   "openai",
		APIKey:     "",
		BaseURL:    "https://api.openai.com",
		Model:      "gpt-4o-mini",
		Timeout:    2 * time.Minute,
		MaxRetries: 3,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "agentjobs",
		SampleRate:     0.1,
		Insecure:       true,
		ExportInterval: 30 * time.Second,
	}
}
