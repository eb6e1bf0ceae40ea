package persistence

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/types"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal returns true if the status is a terminal state
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobMode 任务驱动方式
type JobMode string

const (
	ModeStandard   JobMode = "standard"
	ModeAutonomous JobMode = "autonomous"
)

// Job 一个长时运行的智能体请求
type Job struct {
	ID       string  `json:"id"`
	UserID   string  `json:"user_id"`
	ThreadID string  `json:"thread_id"`
	Mode     JobMode `json:"mode"`

	Goal         string   `json:"goal"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	ToolChoice   string   `json:"tool_choice,omitempty"`

	Status           JobStatus          `json:"status"`
	CurrentIteration int                `json:"current_iteration"`
	MaxIterations    int                `json:"max_iterations"`
	Plan             []planning.Subtask `json:"plan,omitempty"`
	RetryCount       int                `json:"retry_count"`
	LastError        string             `json:"last_error,omitempty"`
	StopReason       string             `json:"stop_reason,omitempty"`
	TokenUsage       types.TokenUsage   `json:"token_usage"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Orchestrated reports whether the job follows a plan.
func (j *Job) Orchestrated() bool {
	return len(j.Plan) > 0
}

// Iteration 任务中的一次模型回合
type Iteration struct {
	JobID  string `json:"job_id"`
	Number int    `json:"number"`
	// StepID 对应的计划步骤，自由回合为空
	StepID string `json:"step_id,omitempty"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`

	Snapshot  []types.Message  `json:"snapshot,omitempty"`
	Prompt    *types.Message   `json:"prompt,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Message   *types.Message   `json:"message,omitempty"`
	SummaryID string           `json:"summary_id,omitempty"`

	FinishReason string        `json:"finish_reason,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Completed reports whether the iteration finished (successfully or not).
func (it *Iteration) Completed() bool {
	return it.CompletedAt != nil
}

// Succeeded reports whether the iteration finished without error.
func (it *Iteration) Succeeded() bool {
	return it.CompletedAt != nil && it.Error == ""
}

// ContextSummary 替换一段旧消息的摘要
type ContextSummary struct {
	ID                 string    `json:"id"`
	JobID              string    `json:"job_id"`
	Iteration          int       `json:"iteration"`
	Summary            string    `json:"summary"`
	MessagesSummarized int       `json:"messages_summarized"`
	TokenCountBefore   int       `json:"token_count_before"`
	TokenCountAfter    int       `json:"token_count_after"`
	CreatedAt          time.Time `json:"created_at"`
}

// Checkpoint 执行现场快照
type Checkpoint struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	StepIndex int             `json:"step_index"`
	State     json.RawMessage `json:"state,omitempty"`
	Messages  []types.Message `json:"messages,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ToolCallRecord 工具调用历史
type ToolCallRecord struct {
	JobID      string          `json:"job_id"`
	Iteration  int             `json:"iteration"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	Duration   time.Duration   `json:"duration"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SessionStatus 自主会话状态
type SessionStatus string

const (
	SessionPlanning  SessionStatus = "planning"
	SessionExecuting SessionStatus = "executing"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal returns true if the status is a terminal state
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// AutonomousSession 目标驱动的自主循环
type AutonomousSession struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	Goal             string        `json:"goal"`
	MaxIterations    int           `json:"max_iterations"`
	CurrentIteration int           `json:"current_iteration"`
	Progress         int           `json:"progress"`
	Status           SessionStatus `json:"status"`
	LastError        string        `json:"last_error,omitempty"`
	StopReason       string        `json:"stop_reason,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Phase 自主迭代阶段
type Phase string

const (
	PhaseEvaluating Phase = "evaluating"
	PhasePlanning   Phase = "planning"
	PhaseExecuting  Phase = "executing"
	PhaseObserving  Phase = "observing"
)

// Evaluation 目标评估结果
type Evaluation struct {
	GoalAchieved       bool     `json:"goalAchieved"`
	ProgressPercentage int      `json:"progressPercentage"`
	Blockers           []string `json:"blockers"`
	Recommendations    []string `json:"recommendations"`
	ShouldContinue     bool     `json:"shouldContinue"`
	// Fallback 为 true 表示模型输出无效，使用了保守默认值
	Fallback bool `json:"fallback,omitempty"`
}

// Action 规划阶段产出的下一步行动
type Action struct {
	Action          string `json:"action"`
	Rationale       string `json:"rationale"`
	ExpectedOutcome string `json:"expectedOutcome"`
	Fallback        bool   `json:"fallback,omitempty"`
}

// ExecutionResult 执行阶段结果
type ExecutionResult struct {
	Output     string           `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	Iteration  int              `json:"iteration,omitempty"`
	TokenUsage types.TokenUsage `json:"token_usage"`
}

// AutonomousIteration 自主循环的一次迭代，每个阶段完成后持久化
type AutonomousIteration struct {
	SessionID  string           `json:"session_id"`
	Number     int              `json:"number"`
	Phase      Phase            `json:"phase"`
	Evaluation *Evaluation      `json:"evaluation,omitempty"`
	Plan       *Action          `json:"plan,omitempty"`
	Execution  *ExecutionResult `json:"execution,omitempty"`
	Done       bool             `json:"done"`
	Duration   time.Duration    `json:"duration"`
	StartedAt  time.Time        `json:"started_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ObservationType 观察记录类型
type ObservationType string

const (
	ObservationEvaluation ObservationType = "evaluation"
	ObservationPlanning   ObservationType = "planning"
	ObservationExecution  ObservationType = "execution"
	ObservationError      ObservationType = "error"
)

// Observation 自主会话的结构化日志条目
type Observation struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Iteration int               `json:"iteration,omitempty"`
	Type      ObservationType   `json:"type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
