package context

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/types"
)

// Manager 为回合准备消息：检查预算，必要时摘要
type Manager struct {
	budget     *Budget
	summarizer *Summarizer
	logger     *zap.Logger
}

// NewManager 创建上下文管理器
func NewManager(budget *Budget, summarizer *Summarizer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if budget == nil {
		budget = NewBudget(DefaultBudgetConfig())
	}
	return &Manager{
		budget:     budget,
		summarizer: summarizer,
		logger:     logger.With(zap.String("component", "context_manager")),
	}
}

// Budget 返回预算
func (m *Manager) Budget() *Budget {
	return m.budget
}

// Prepared 准备结果
type Prepared struct {
	Messages []types.Message
	// Reason 触发摘要的原因，未触发时为空
	Reason string
	// Summary 触发摘要时的结果
	Summary *Result
}

// Prepare 根据累计 token 判断是否摘要。force 为 true 时无视阈值
// （上下文超限后的重试）。摘要失败时返回原始消息。
func (m *Manager) Prepare(ctx context.Context, model string, cumulativeTokens int, messages []types.Message, force bool) Prepared {
	should, reason := m.budget.ShouldSummarize(cumulativeTokens, model)
	if force && !should {
		should, reason = true, "forced after context length error"
	}
	if !should || m.summarizer == nil {
		return Prepared{Messages: messages}
	}

	m.logger.Debug("summarization triggered", zap.String("reason", reason), zap.String("model", model))
	res := m.summarizer.Summarize(ctx, messages)
	return Prepared{Messages: res.Messages, Reason: reason, Summary: &res}
}
