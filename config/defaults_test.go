package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/agentjobs/agent/autonomous"
	"github.com/BaSui01/agentjobs/agent/longrunning"
	"github.com/BaSui01/agentjobs/internal/queue"
)

func TestDefaultConfig_ComponentDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, queue.DefaultConfig(), cfg.Queue)
	assert.Equal(t, longrunning.DefaultConfig(), cfg.Engine)
	assert.Equal(t, autonomous.DefaultConfig(), cfg.Autonomous)
	assert.Equal(t, cfg.Queue.MaxAttempts, cfg.Engine.MaxDeliveryAttempts)
	assert.False(t, cfg.NeedsRedis())
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Empty(t, cfg.APIKeys)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "agentjobs", cfg.Name)
	assert.True(t, DefaultConfig().Store.AutoMigrate)
}

func TestDefaultContextConfig(t *testing.T) {
	cfg := DefaultContextConfig()
	assert.Equal(t, 0.8, cfg.Budget.Ratio)
	assert.Equal(t, 128000, cfg.Budget.DefaultWindow)
	assert.Equal(t, "estimate", cfg.Tokenizer)
}

func TestDefaultLogAndTelemetry(t *testing.T) {
	assert.Equal(t, "info", DefaultLogConfig().Level)
	assert.Equal(t, []string{"stdout"}, DefaultLogConfig().OutputPaths)
	assert.False(t, DefaultTelemetryConfig().Enabled)
	assert.Equal(t, "agentjobs", DefaultTelemetryConfig().ServiceName)
}
