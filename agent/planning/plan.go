package planning

import "fmt"

// StepType 子任务类型
type StepType string

const (
	StepToolCall     StepType = "tool-call"
	StepLLMReasoning StepType = "llm-reasoning"
	StepCheckpoint   StepType = "checkpoint"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepToolCall, StepLLMReasoning, StepCheckpoint:
		return true
	}
	return false
}

// StepStatus 子任务状态
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Done reports whether the step needs no further execution.
// Failed steps count as done: execution degrades to the next step.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepFailed
}

// Subtask 计划中的一个有序步骤
type Subtask struct {
	ID                string     `json:"id"`
	Description       string     `json:"description"`
	Type              StepType   `json:"type"`
	Status            StepStatus `json:"status"`
	EstimatedDuration string     `json:"estimatedDuration,omitempty"`
	Output            string     `json:"output,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// Plan 有序子任务列表
type Plan struct {
	Steps []Subtask `json:"steps"`
	// Fallback 为 true 表示模型输出无效，使用了单步回退计划
	Fallback bool `json:"fallback,omitempty"`
}

// FallbackPlan 把原始目标原样作为唯一步骤
func FallbackPlan(goal string) Plan {
	return Plan{
		Steps: []Subtask{{
			ID:          "step-1",
			Description: goal,
			Type:        StepLLMReasoning,
			Status:      StepPending,
		}},
		Fallback: true,
	}
}

// NextPending returns the index of the first step that is not done, or -1.
func NextPending(steps []Subtask) int {
	for i := range steps {
		if !steps[i].Status.Done() {
			return i
		}
	}
	return -1
}

// AllDone reports whether every step is done. An empty plan is never done.
func AllDone(steps []Subtask) bool {
	return len(steps) > 0 && NextPending(steps) < 0
}

// Completed counts steps in StepCompleted.
func Completed(steps []Subtask) int {
	n := 0
	for _, s := range steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Validate checks structural invariants of a decoded plan.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d: missing id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("step %d: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Description == "" {
			return fmt.Errorf("step %s: missing description", s.ID)
		}
		if !s.Type.Valid() {
			return fmt.Errorf("step %s: unknown type %q", s.ID, s.Type)
		}
	}
	return nil
}
