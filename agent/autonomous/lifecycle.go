package autonomous

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/types"
)

// Continue 继续一个暂停的会话，从最后完成的迭代之后开始
func (c *Controller) Continue(ctx context.Context, sessionID string) (int, error) {
	changed := false
	sess, err := persistence.UpdateSessionWith(ctx, c.store, sessionID, func(s *persistence.AutonomousSession) error {
		changed = false
		switch s.Status {
		case persistence.SessionPaused:
		case persistence.SessionPlanning, persistence.SessionExecuting:
			return persistence.ErrSkipUpdate
		default:
			return types.NewError(types.ErrInvalidTransition, fmt.Sprintf("cannot continue a %s session", s.Status))
		}
		changed = true
		s.Status = persistence.SessionExecuting
		s.StopReason = ""
		s.LastError = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return 0, types.NewError(types.ErrSessionNotFound, "session not found: "+sessionID).WithHTTPStatus(404)
		}
		return 0, err
	}
	if changed {
		c.syncJob(ctx, sess)
		c.logger.Info("session continued", zap.String("session_id", sessionID), zap.Int("next_iteration", sess.CurrentIteration+1))
	}
	if err := c.scheduleNext(ctx, sess); err != nil {
		return 0, err
	}
	return sess.CurrentIteration + 1, nil
}

// Recover 进程启动时重新投递未结束会话的下一次迭代。
// 中断的迭代从已持久化的阶段继续。
func (c *Controller) Recover(ctx context.Context) (int, error) {
	jobs, err := c.store.ListJobs(ctx, persistence.JobFilter{
		Status: []persistence.JobStatus{persistence.JobRunning, persistence.JobPending},
		Mode:   persistence.ModeAutonomous,
	})
	if err != nil {
		return 0, fmt.Errorf("list autonomous jobs: %w", err)
	}
	recovered := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		sess, err := c.store.GetSession(ctx, job.ID)
		if err != nil {
			c.logger.Warn("autonomous job without session", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if sess.Status.IsTerminal() || sess.Status == persistence.SessionPaused {
			c.syncJob(ctx, sess)
			continue
		}
		if err := c.scheduleNext(ctx, sess); err != nil {
			c.logger.Warn("failed to requeue session", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("recovered autonomous sessions", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Stop 结束会话（取消）
func (c *Controller) Stop(ctx context.Context, sessionID string, status persistence.SessionStatus, reason string) error {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return types.NewError(types.ErrSessionNotFound, "session not found: "+sessionID).WithHTTPStatus(404)
		}
		return err
	}
	return c.finish(ctx, sessionID, status, reason, nil)
}
