package longrunning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/types"
)

// CheckpointState 检查点中的任务状态
type CheckpointState struct {
	Iteration  int                `json:"iteration"`
	Plan       []planning.Subtask `json:"plan,omitempty"`
	RetryCount int                `json:"retryCount"`
	TokenUsage types.TokenUsage   `json:"tokenUsage"`
	StepID     string             `json:"stepId,omitempty"`
	Findings   string             `json:"findings,omitempty"`
	SummaryID  string             `json:"summaryId,omitempty"`
}

// DecodeCheckpointState parses the state blob of a checkpoint.
func DecodeCheckpointState(cp *persistence.Checkpoint) (CheckpointState, error) {
	var st CheckpointState
	if len(cp.State) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return st, fmt.Errorf("decode checkpoint %s: %w", cp.ID, err)
	}
	return st, nil
}

func (e *Engine) shouldCheckpoint(it *persistence.Iteration, findings string) bool {
	switch {
	case it.Number%e.config.CheckpointInterval == 0:
		return true
	case findings != "":
		return true
	case it.SummaryID != "":
		return true
	case it.FinishReason == string(planning.StepCheckpoint):
		return true
	}
	return false
}

// saveCheckpoint 保存已应用迭代后的现场。失败只记录日志，
// 恢复时退回到更早的检查点。
func (e *Engine) saveCheckpoint(ctx context.Context, job *persistence.Job, it *persistence.Iteration, findings string) {
	log := e.logger.With(zap.String("job_id", job.ID), zap.Int("iteration", it.Number))
	msgs, err := e.store.LoadMessages(ctx, job.ThreadID)
	if err != nil {
		log.Warn("checkpoint skipped: load thread failed", zap.Error(err))
		return
	}
	state, err := json.Marshal(CheckpointState{
		Iteration:  it.Number,
		Plan:       job.Plan,
		RetryCount: job.RetryCount,
		TokenUsage: job.TokenUsage,
		StepID:     it.StepID,
		Findings:   findings,
		SummaryID:  it.SummaryID,
	})
	if err != nil {
		log.Warn("checkpoint skipped: encode state failed", zap.Error(err))
		return
	}
	cp := &persistence.Checkpoint{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		StepIndex: it.Number,
		State:     state,
		Messages:  msgs,
		CreatedAt: e.now(),
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		if errors.Is(err, persistence.ErrInvalidInput) {
			log.Debug("newer checkpoint already exists")
			return
		}
		log.Warn("failed to save checkpoint", zap.Error(err))
		return
	}
	log.Debug("checkpoint saved", zap.Int("messages", len(msgs)))
}
