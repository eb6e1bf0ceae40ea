// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/internal/eventbus"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, persistence.StoreTypeMemory, cfg.Store.Type)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
  api_keys: ["k1", "k2"]

store:
  type: redis
  key_prefix: "jobs:"

queue:
  backend: redis
  max_attempts: 7
  initial_backoff: 5s

worker:
  concurrency: 16

engine:
  max_iterations: 80
  checkpoint_interval: 3
  max_delivery_attempts: 7
  turn_timeout: 2m

context:
  budget:
    ratio: 0.6
    windows:
      my-model: 32000
  summarizer:
    model: "gpt-4o-mini"

autonomous:
  max_iterations: 12
  observation_window: 5

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// YAML 值覆盖默认值
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)

	assert.Equal(t, persistence.StoreTypeRedis, cfg.Store.Type)
	assert.Equal(t, "jobs:", cfg.Store.KeyPrefix)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.InitialBackoff)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, 80, cfg.Engine.MaxIterations)
	assert.Equal(t, 3, cfg.Engine.CheckpointInterval)
	assert.Equal(t, 2*time.Minute, cfg.Engine.TurnTimeout)
	assert.Equal(t, 0.6, cfg.Context.Budget.Ratio)
	assert.Equal(t, 32000, cfg.Context.Budget.Windows["my-model"])
	assert.Equal(t, "gpt-4o-mini", cfg.Context.Summarizer.Model)
	assert.Equal(t, 12, cfg.Autonomous.MaxIterations)
	assert.Equal(t, 5, cfg.Autonomous.ObservationWindow)

	// 未出现的字段保留默认值
	assert.Equal(t, 5*time.Minute, cfg.Queue.MaxBackoff)
	assert.Equal(t, 4000, cfg.Engine.MaxStepOutput)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.NeedsRedis())
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTJOBS_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTJOBS_SERVER_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("AGENTJOBS_QUEUE_LEASE_TTL", "90s")
	t.Setenv("AGENTJOBS_WORKER_RATE_LIMIT", "2.5")
	t.Setenv("AGENTJOBS_EVENTS_BACKEND", "redis")
	t.Setenv("AGENTJOBS_CONTEXT_BUDGET_RATIO", "0.5")
	t.Setenv("AGENTJOBS_AUTONOMOUS_MODEL", "gpt-4o")
	t.Setenv("AGENTJOBS_STORE_AUTO_MIGRATE", "false")
	t.Setenv("AGENTJOBS_LLM_API_KEY", "sk-test")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, 90*time.Second, cfg.Queue.LeaseTTL)
	assert.Equal(t, 2.5, cfg.Worker.RateLimit)
	assert.Equal(t, eventbus.BackendRedis, cfg.Events.Backend)
	assert.Equal(t, 0.5, cfg.Context.Budget.Ratio)
	assert.Equal(t, "gpt-4o", cfg.Autonomous.Model)
	assert.False(t, cfg.Store.AutoMigrate)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.True(t, cfg.NeedsRedis())
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTJOBS_WORKER_CONCURRENCY", "many")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTJOBS_WORKER_CONCURRENCY")

	t.Setenv("AGENTJOBS_WORKER_CONCURRENCY", "2")
	t.Setenv("AGENTJOBS_ENGINE_TURN_TIMEOUT", "soon")
	_, err = NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
llm:
  model: "yaml-model"
  base_url: "http://yaml"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("AGENTJOBS_SERVER_HTTP_PORT", "9999")
	t.Setenv("AGENTJOBS_LLM_MODEL", "env-model")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 环境变量覆盖 YAML
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-model", cfg.LLM.Model)
	// 未被覆盖的 YAML 值保留
	assert.Equal(t, "http://yaml", cfg.LLM.BaseURL)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	t.Setenv("MYAPP_STORE_TYPE", "database")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
	assert.Equal(t, persistence.StoreTypeDatabase, cfg.Store.Type)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.HTTPPort < 1024 {
			return assert.AnError
		}
		return nil
	}

	t.Setenv("AGENTJOBS_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	// 文件不存在时使用默认值
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
server:
  http_port: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "invalid HTTP port", modify: func(c *Config) { c.Server.HTTPPort = 0 }, wantErr: "invalid HTTP port"},
		{name: "HTTP port too large", modify: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "invalid HTTP port"},
		{
			name:    "tls cert without key",
			modify:  func(c *Config) { c.Server.TLSCertFile = "server.crt" },
			wantErr: "must be set together",
		},
		{name: "unknown store", modify: func(c *Config) { c.Store.Type = "etcd" }, wantErr: "unknown store type"},
		{
			name: "database store with bad driver",
			modify: func(c *Config) {
				c.Store.Type = persistence.StoreTypeDatabase
				c.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "database store with sqlite",
			modify: func(c *Config) {
				c.Store.Type = persistence.StoreTypeDatabase
				c.Database.Driver = "sqlite"
			},
		},
		{name: "unknown queue", modify: func(c *Config) { c.Queue.Backend = "kafka" }, wantErr: "unknown queue backend"},
		{name: "unknown event bus", modify: func(c *Config) { c.Events.Backend = "nats" }, wantErr: "unknown event bus backend"},
		{name: "zero workers", modify: func(c *Config) { c.Worker.Concurrency = 0 }, wantErr: "worker concurrency"},
		{name: "zero iterations", modify: func(c *Config) { c.Engine.MaxIterations = 0 }, wantErr: "max_iterations"},
		{
			name:    "delivery attempts mismatch",
			modify:  func(c *Config) { c.Queue.MaxAttempts = 9 },
			wantErr: "max_delivery_attempts",
		},
		{name: "ratio above one", modify: func(c *Config) { c.Context.Budget.Ratio = 1.5 }, wantErr: "budget ratio"},
		{name: "invalid sample rate", modify: func(c *Config) { c.Telemetry.SampleRate = 1.5 }, wantErr: "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "jobs", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=jobs sslmode=disable",
		},
		{
			name: "mysql",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "root", Password: "secret", Name: "jobs",
			},
			expected: "root:secret@tcp(localhost:3306)/jobs?parseTime=true",
		},
		{
			name:     "sqlite",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/data/jobs.db"},
			expected: "/data/jobs.db",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestMustLoad(t *testing.T) {
	tmpDir := t.TempDir()
	good := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(good, []byte("server:\n  http_port: 8081\n"), 0644))
	cfg := MustLoad(good)
	assert.Equal(t, 8081, cfg.Server.HTTPPort)

	bad := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [\n"), 0644))
	assert.Panics(t, func() { MustLoad(bad) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("AGENTJOBS_SERVER_HTTP_PORT", "5555")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.Server.HTTPPort)
}
