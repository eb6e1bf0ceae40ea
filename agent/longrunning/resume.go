package longrunning

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/types"
)

// Resume 从最近的检查点恢复任务：还原线程与计划，
// 重新计算 Token 总量，并投递检查点之后的第一个步骤。
// 没有检查点时从第一次迭代重新开始。返回投递的步骤编号。
func (e *Engine) Resume(ctx context.Context, jobID string) (int, error) {
	log := e.logger.With(zap.String("job_id", jobID))
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, e.jobError(jobID, err)
	}
	if job.Status == persistence.JobCompleted {
		return 0, types.NewError(types.ErrInvalidTransition, "job "+jobID+" is already completed")
	}
	// 运行中且仍有消息在途的任务不能回退，否则会与正在执行的步骤交错
	if job.Status == persistence.JobRunning {
		busy, err := e.scheduler.Pending(ctx, jobID)
		if err != nil {
			return 0, fmt.Errorf("check queued steps: %w", err)
		}
		if busy {
			return 0, types.NewError(types.ErrInvalidTransition, "job "+jobID+" is still being processed")
		}
	}

	var (
		state   CheckpointState
		hasCP   bool
		restore bool
		thread  []types.Message
		next    = 1
	)
	cp, err := e.store.LatestCheckpoint(ctx, jobID)
	switch {
	case err == nil:
		if state, err = DecodeCheckpointState(cp); err != nil {
			return 0, err
		}
		hasCP, restore = true, true
		thread = cp.Messages
		next = cp.StepIndex + 1
	case errors.Is(err, persistence.ErrNotFound):
		first, err := e.store.GetIteration(ctx, jobID, 1)
		if err == nil {
			restore = true
			thread = first.Snapshot
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return 0, fmt.Errorf("load first iteration: %w", err)
		}
	default:
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	iterations, err := e.store.ListIterations(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("list iterations: %w", err)
	}
	var usage types.TokenUsage
	for _, it := range iterations {
		if it.Number < next && it.Succeeded() {
			usage.Add(iterationUsage(it))
		}
	}

	if restore {
		if err := e.store.ReplaceMessages(ctx, job.ThreadID, thread); err != nil {
			return 0, fmt.Errorf("restore thread: %w", err)
		}
	}

	job, err = persistence.UpdateJobWith(ctx, e.store, jobID, func(j *persistence.Job) error {
		j.Status = persistence.JobRunning
		j.CurrentIteration = next - 1
		j.TokenUsage = usage
		j.LastError = ""
		j.StopReason = ""
		j.CompletedAt = nil
		if hasCP {
			j.Plan = state.Plan
			j.RetryCount = state.RetryCount
		} else {
			j.Plan = resetPlan(j.Plan)
			j.RetryCount = 0
		}
		if j.StartedAt == nil {
			now := e.now()
			j.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resume job: %w", err)
	}

	if _, err := e.scheduler.Remove(ctx, jobID); err != nil {
		log.Warn("failed to clear queued steps", zap.Error(err))
	}
	if err := e.enqueue(ctx, job, next); err != nil {
		return 0, err
	}
	log.Info("job resumed",
		zap.Bool("from_checkpoint", hasCP),
		zap.Int("next_step", next),
		zap.Int("total_tokens", usage.TotalTokens))
	e.metrics.RecordJob(string(persistence.JobRunning))
	e.publishStatus(ctx, job, "")
	return next, nil
}

// Continue 继续一个暂停的任务，从最后应用的迭代之后开始
func (e *Engine) Continue(ctx context.Context, jobID string) (int, error) {
	changed := false
	job, err := persistence.UpdateJobWith(ctx, e.store, jobID, func(j *persistence.Job) error {
		changed = false
		switch j.Status {
		case persistence.JobPaused, persistence.JobPending:
		case persistence.JobRunning:
			return persistence.ErrSkipUpdate
		default:
			return types.NewError(types.ErrInvalidTransition, fmt.Sprintf("cannot continue a %s job", j.Status))
		}
		changed = true
		j.Status = persistence.JobRunning
		j.StopReason = ""
		if j.StartedAt == nil {
			now := e.now()
			j.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return 0, e.jobError(jobID, err)
	}
	next := job.CurrentIteration + 1
	if err := e.enqueue(ctx, job, next); err != nil {
		return 0, err
	}
	if changed {
		e.logger.Info("job continued", zap.String("job_id", jobID), zap.Int("next_step", next))
		e.publishStatus(ctx, job, "")
	}
	return next, nil
}

// RecoverJobs 进程启动时恢复中断的标准任务：队列中已没有消息的运行中任务
// 从检查点恢复，等待中的任务重新投递下一个步骤。
// 仍有消息排队或处理中的任务由队列自己推进，不做处理。
func (e *Engine) RecoverJobs(ctx context.Context) (int, error) {
	jobs, err := e.store.ListJobs(ctx, persistence.JobFilter{
		Status: []persistence.JobStatus{persistence.JobRunning, persistence.JobPending},
		Mode:   persistence.ModeStandard,
	})
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	recovered := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		busy, err := e.scheduler.Pending(ctx, job.ID)
		if err != nil {
			e.logger.Warn("failed to inspect queued steps", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if busy {
			e.logger.Debug("job still queued, skipping recovery", zap.String("job_id", job.ID))
			continue
		}
		if job.Status == persistence.JobPending {
			if err := e.enqueue(ctx, job, job.CurrentIteration+1); err != nil {
				e.logger.Warn("failed to requeue pending job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			recovered++
			continue
		}
		if _, err := e.Resume(ctx, job.ID); err != nil {
			e.logger.Warn("failed to recover job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Info("recovered interrupted jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

// ExecuteTurn 以给定提示执行任务的下一次迭代，不续接也不改变任务状态。
// 供自主循环的执行阶段使用；模型错误写入结果而不是返回。
func (e *Engine) ExecuteTurn(ctx context.Context, jobID, prompt string) (*persistence.ExecutionResult, error) {
	ctx = types.WithJobID(ctx, jobID)
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, e.jobError(jobID, err)
	}
	number := job.CurrentIteration + 1

	it, err := e.store.GetIteration(ctx, jobID, number)
	switch {
	case err == nil && it.Succeeded():
		if err := e.restoreThread(ctx, job, it); err != nil {
			return nil, err
		}
	case err == nil || errors.Is(err, persistence.ErrNotFound):
		it, err = e.runTurn(ctx, job, number, prompt, "")
		if err != nil {
			if it != nil {
				now := e.now()
				it.Error = err.Error()
				it.CompletedAt = &now
				it.Duration = now.Sub(it.StartedAt)
				if uerr := e.store.UpdateIteration(ctx, it); uerr != nil {
					e.logger.Warn("failed to record iteration error", zap.String("job_id", jobID), zap.Error(uerr))
				}
			}
			if types.IsErrorCode(err, types.ErrStoreUnavailable) {
				return nil, err
			}
			return &persistence.ExecutionResult{Error: err.Error(), Iteration: number}, nil
		}
	default:
		return nil, fmt.Errorf("load iteration: %w", err)
	}

	job, err = persistence.UpdateJobWith(ctx, e.store, jobID, func(j *persistence.Job) error {
		if j.CurrentIteration >= number {
			return persistence.ErrSkipUpdate
		}
		j.CurrentIteration = number
		j.TokenUsage.Add(iterationUsage(it))
		if j.Status == persistence.JobPending {
			now := e.now()
			j.Status = persistence.JobRunning
			j.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply iteration %d: %w", number, err)
	}
	if number%e.config.CheckpointInterval == 0 || it.SummaryID != "" {
		e.saveCheckpoint(ctx, job, it, "")
	}

	res := &persistence.ExecutionResult{
		Output:     iterationText(it),
		Iteration:  number,
		TokenUsage: iterationUsage(it),
	}
	if failure := toolFailure(it); failure != "" {
		res.Error = failure
	}
	return res, nil
}

func (e *Engine) jobError(jobID string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return types.NewError(types.ErrJobNotFound, "job not found: "+jobID).WithHTTPStatus(404)
	}
	return err
}

func resetPlan(plan []planning.Subtask) []planning.Subtask {
	if len(plan) == 0 {
		return plan
	}
	out := make([]planning.Subtask, len(plan))
	for i, s := range plan {
		s.Status = planning.StepPending
		s.Output = ""
		s.Error = ""
		out[i] = s
	}
	return out
}
