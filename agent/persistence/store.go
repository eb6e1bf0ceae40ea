package persistence

import (
	"context"
	"errors"

	"github.com/BaSui01/agentjobs/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("version conflict")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
)

// StoreConfig 存储配置
type StoreConfig struct {
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`
	// KeyPrefix 仅 Redis 后端使用
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
	// AutoMigrate 仅 database 后端使用，关闭时表结构由 agentjobs migrate 管理
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:        StoreTypeMemory,
		KeyPrefix:   "agentjobs:",
		AutoMigrate: true,
	}
}

// JobFilter 任务查询条件
type JobFilter struct {
	Status []JobStatus
	UserID string
	Mode   JobMode
	Limit  int
}

func (f JobFilter) match(job *Job) bool {
	if f.UserID != "" && job.UserID != f.UserID {
		return false
	}
	if f.Mode != "" && job.Mode != f.Mode {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if job.Status == s {
			return true
		}
	}
	return false
}

// JobStore 任务记录
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateJob 按 job.Version 比较后写入，成功后 job.Version 递增
	UpdateJob(ctx context.Context, job *Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// IterationStore 迭代记录，编号从 1 开始连续
type IterationStore interface {
	// CreateIteration 已存在返回 ErrAlreadyExists，跳号返回 ErrInvalidInput
	CreateIteration(ctx context.Context, it *Iteration) error
	UpdateIteration(ctx context.Context, it *Iteration) error
	GetIteration(ctx context.Context, jobID string, number int) (*Iteration, error)
	ListIterations(ctx context.Context, jobID string) ([]*Iteration, error)
}

// CheckpointStore 检查点，按步骤单调有序
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, jobID string) ([]*Checkpoint, error)
}

// SummaryStore 上下文摘要
type SummaryStore interface {
	SaveSummary(ctx context.Context, s *ContextSummary) error
	GetSummary(ctx context.Context, id string) (*ContextSummary, error)
	ListSummaries(ctx context.Context, jobID string) ([]*ContextSummary, error)
}

// ToolCallStore 任务的工具调用历史，只追加
type ToolCallStore interface {
	AppendToolCalls(ctx context.Context, jobID string, records ...ToolCallRecord) error
	ListToolCalls(ctx context.Context, jobID string) ([]ToolCallRecord, error)
}

// ThreadStore 会话消息
type ThreadStore interface {
	AppendMessages(ctx context.Context, threadID string, msgs ...types.Message) error
	LoadMessages(ctx context.Context, threadID string) ([]types.Message, error)
	// ReplaceMessages 用快照覆盖整个会话，检查点恢复时使用
	ReplaceMessages(ctx context.Context, threadID string, msgs []types.Message) error
}

// SessionStore 自主会话与其迭代
type SessionStore interface {
	CreateSession(ctx context.Context, s *AutonomousSession) error
	GetSession(ctx context.Context, id string) (*AutonomousSession, error)
	UpdateSession(ctx context.Context, s *AutonomousSession) error
	SaveSessionIteration(ctx context.Context, it *AutonomousIteration) error
	GetSessionIteration(ctx context.Context, sessionID string, number int) (*AutonomousIteration, error)
	ListSessionIterations(ctx context.Context, sessionID string) ([]*AutonomousIteration, error)
}

// ObservationStore 观察记录
type ObservationStore interface {
	AddObservation(ctx context.Context, obs *Observation) error
	// ListObservations 返回最近 limit 条（按时间正序），limit <= 0 返回全部
	ListObservations(ctx context.Context, sessionID string, limit int) ([]*Observation, error)
}

// Store 引擎使用的完整持久化接口
type Store interface {
	JobStore
	IterationStore
	CheckpointStore
	SummaryStore
	ToolCallStore
	ThreadStore
	SessionStore
	ObservationStore

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}
