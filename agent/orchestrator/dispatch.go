package orchestrator

import (
	"context"

	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/internal/worker"
	"github.com/BaSui01/agentjobs/types"
)

// Handle 实现 worker.Handler，按任务模式分发步骤消息
func (s *Service) Handle(ctx context.Context, msg queue.StepMessage) error {
	switch persistence.JobMode(msg.Mode) {
	case persistence.ModeAutonomous:
		if s.controller == nil {
			return worker.Fatal(types.NewError(types.ErrServiceUnavailable, "autonomous sessions are not enabled"))
		}
		return s.controller.RunIteration(ctx, msg)
	default:
		return s.engine.ProcessStep(ctx, msg)
	}
}

var _ worker.Handler = (*Service)(nil)
