package longrunning

import "time"

// 停止原因
const (
	ReasonAllStepsCompleted = "All steps completed"
	ReasonCompleted         = "Task completed"
	ReasonMaxIterations     = "Maximum iterations reached"
	ReasonJobFailed         = "Job failed"
	ReasonMaxRetries        = "Maximum retry count exceeded"
	ReasonCancelled         = "Job cancelled"
	ReasonContextExceeded   = "Context window exceeded"
	ReasonPaused            = "Job paused"
)

// Config 引擎配置
type Config struct {
	// CheckpointInterval 每隔多少次迭代保存检查点
	CheckpointInterval int `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL"`
	// MaxIterations 任务未指定时的迭代上限
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// MaxRetryCount 任务级重试上限，超过后任务失败
	MaxRetryCount int `yaml:"max_retry_count" env:"MAX_RETRY_COUNT"`
	// MaxSteps 单个回合内的工具调用步数上限
	MaxSteps int `yaml:"max_steps" env:"MAX_STEPS"`
	// TurnTimeout 单个回合的超时，0 表示不限制
	TurnTimeout time.Duration `yaml:"turn_timeout" env:"TURN_TIMEOUT"`
	// ContinuationDelay 续接消息的延迟
	ContinuationDelay time.Duration `yaml:"continuation_delay" env:"CONTINUATION_DELAY"`
	// MaxDeliveryAttempts 与队列的 MaxAttempts 一致，最后一次投递失败时任务失败
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts" env:"MAX_DELIVERY_ATTEMPTS"`
	// DefaultModel 任务未指定模型时使用
	DefaultModel string `yaml:"default_model" env:"DEFAULT_MODEL"`
	// MaxStepOutput 写入计划步骤的输出上限（字符）
	MaxStepOutput int `yaml:"max_step_output" env:"MAX_STEP_OUTPUT"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		CheckpointInterval:  5,
		MaxIterations:       50,
		MaxRetryCount:       5,
		MaxSteps:            100,
		TurnTimeout:         10 * time.Minute,
		MaxDeliveryAttempts: 5,
		MaxStepOutput:       4000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = d.MaxRetryCount
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.TurnTimeout < 0 {
		c.TurnTimeout = 0
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = d.MaxDeliveryAttempts
	}
	if c.MaxStepOutput <= 0 {
		c.MaxStepOutput = d.MaxStepOutput
	}
	return c
}
