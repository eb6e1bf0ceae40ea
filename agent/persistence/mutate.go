package persistence

import (
	"context"
	"errors"

	"github.com/BaSui01/agentjobs/types"
)

// ErrSkipUpdate 由 mutate 函数返回，表示不需要写入
var ErrSkipUpdate = errors.New("skip update")

const maxCASAttempts = 8

// UpdateJobWith 读取最新记录、应用 fn 并按版本写回，冲突时重读重试。
// fn 返回 ErrSkipUpdate 时不写入，返回读取到的记录。
func UpdateJobWith(ctx context.Context, store JobStore, id string, fn func(*Job) error) (*Job, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		job, err := store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return job, nil
			}
			return nil, err
		}
		err = store.UpdateJob(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, types.NewError(types.ErrVersionConflict, "job "+id+" kept changing").WithRetryable(true)
}

// UpdateSessionWith is UpdateJobWith for autonomous sessions.
func UpdateSessionWith(ctx context.Context, store SessionStore, id string, fn func(*AutonomousSession) error) (*AutonomousSession, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		s, err := store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(s); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return s, nil
			}
			return nil, err
		}
		err = store.UpdateSession(ctx, s)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, types.NewError(types.ErrVersionConflict, "session "+id+" kept changing").WithRetryable(true)
}
