package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/types"
	"go.uber.org/zap"
)

// ReActConfig 工具循环配置
type ReActConfig struct {
	Model    string
	MaxSteps int
}

// ReActStreamer 在单个回合内交替执行模型流式输出与工具调用，
// 实现 llm.TurnStreamer。
type ReActStreamer struct {
	provider     llm.Provider
	toolExecutor ToolExecutor
	config       ReActConfig
	logger       *zap.Logger
}

// NewReActStreamer 创建工具循环
func NewReActStreamer(provider llm.Provider, toolExecutor ToolExecutor, config ReActConfig, logger *zap.Logger) *ReActStreamer {
	if config.MaxSteps <= 0 {
		config.MaxSteps = llm.DefaultMaxSteps
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReActStreamer{
		provider:     provider,
		toolExecutor: toolExecutor,
		config:       config,
		logger:       logger.With(zap.String("component", "react")),
	}
}

type toolCallAcc struct {
	id   string
	name string
	args strings.Builder
}

// StreamTurn 实现 llm.TurnStreamer。
// 每一步：流式读取模型输出 -> 若有工具调用则执行并把结果回填 -> 进入下一步；
// 模型不再调用工具或达到步数上限时以 finish 事件结束。
func (r *ReActStreamer) StreamTurn(ctx context.Context, req *llm.TurnRequest) (<-chan llm.StreamEvent, error) {
	if r.provider == nil {
		return nil, types.NewError(types.ErrProviderNotSet, "provider not configured")
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = r.config.MaxSteps
	}
	model := req.Model
	if model == "" {
		model = r.config.Model
	}

	messages := make([]llm.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, types.NewSystemMessage(req.SystemPrompt))
	}
	messages = append(messages, types.FlattenMessages(req.Messages)...)

	eventCh := make(chan llm.StreamEvent)

	go func() {
		defer close(eventCh)

		emit := func(ev llm.StreamEvent) bool {
			select {
			case <-ctx.Done():
				return false
			case eventCh <- ev:
				return true
			}
		}
		fail := func(step int, err error) {
			r.logger.Warn("turn failed", zap.Int("step", step), zap.Error(err))
			emit(llm.StreamEvent{Type: llm.EventError, Step: step, Err: err})
		}

		var usage *llm.ChatUsage
		addUsage := func(u *llm.ChatUsage) {
			if u == nil {
				return
			}
			if usage == nil {
				usage = &llm.ChatUsage{}
			}
			usage.PromptTokens += u.PromptTokens
			usage.CompletionTokens += u.CompletionTokens
			if u.TotalTokens > 0 {
				usage.TotalTokens += u.TotalTokens
			} else {
				usage.TotalTokens += u.PromptTokens + u.CompletionTokens
			}
			usage.Cost += u.Cost
		}

		for step := 1; step <= maxSteps; step++ {
			if err := ctx.Err(); err != nil {
				fail(step, fmt.Errorf("context cancelled: %w", err))
				return
			}

			streamCh, err := r.provider.Stream(ctx, &llm.ChatRequest{
				Model:      model,
				Messages:   messages,
				Tools:      req.Tools,
				ToolChoice: req.ToolChoice,
				MaxTokens:  req.MaxTokens,
			})
			if err != nil {
				fail(step, err)
				return
			}

			var (
				text         strings.Builder
				order        []string
				byID         = make(map[string]*toolCallAcc)
				finishReason string
			)

			for chunk := range streamCh {
				if chunk.Err != nil {
					fail(step, chunk.Err)
					return
				}
				addUsage(chunk.Usage)
				if chunk.FinishReason != "" {
					finishReason = chunk.FinishReason
				}
				if chunk.Delta.Content != "" {
					text.WriteString(chunk.Delta.Content)
					if !emit(llm.StreamEvent{Type: llm.EventTextDelta, Step: step, TextDelta: chunk.Delta.Content}) {
						return
					}
				}
				for _, tc := range chunk.Delta.ToolCalls {
					id := strings.TrimSpace(tc.ID)
					if id == "" {
						if len(order) > 0 && strings.TrimSpace(tc.Name) == "" {
							id = order[len(order)-1]
						} else {
							id = fmt.Sprintf("call_%d_%d", step, len(order)+1)
						}
					}
					acc := byID[id]
					if acc == nil {
						acc = &toolCallAcc{id: id}
						byID[id] = acc
						order = append(order, id)
					}
					if name := strings.TrimSpace(tc.Name); name != "" {
						acc.name = name
					}
					acc.args.Write(tc.Arguments)
				}
			}
			if err := ctx.Err(); err != nil {
				fail(step, fmt.Errorf("context cancelled: %w", err))
				return
			}

			calls := make([]types.ToolCall, 0, len(order))
			for _, id := range order {
				acc := byID[id]
				raw := strings.TrimSpace(acc.args.String())
				if raw == "" {
					raw = "{}"
				}
				if !json.Valid([]byte(raw)) {
					fail(step, fmt.Errorf("invalid tool call arguments (id=%s tool=%s): %s", acc.id, acc.name, raw))
					return
				}
				calls = append(calls, types.ToolCall{ID: acc.id, Name: acc.name, Arguments: json.RawMessage(raw)})
			}

			if len(calls) == 0 {
				emit(llm.StreamEvent{Type: llm.EventFinish, Step: step, FinishReason: normalizeFinish(finishReason), Usage: usage})
				return
			}

			for i := range calls {
				if !emit(llm.StreamEvent{Type: llm.EventToolCall, Step: step, ToolCall: &calls[i]}) {
					return
				}
			}

			results := r.toolExecutor.Execute(ctx, calls)

			assistant := types.NewAssistantMessage(text.String()).WithToolCalls(calls)
			messages = append(messages, assistant)
			for i := range results {
				if !emit(llm.StreamEvent{Type: llm.EventToolResult, Step: step, ToolResult: &results[i]}) {
					return
				}
				messages = append(messages, results[i].ToMessage())
			}
		}

		r.logger.Info("max steps reached", zap.Int("max_steps", maxSteps))
		emit(llm.StreamEvent{Type: llm.EventFinish, Step: maxSteps, FinishReason: llm.FinishToolCalls, Usage: usage})
	}()

	return eventCh, nil
}

// normalizeFinish 将上游结束原因统一为 llm.Finish* 常量
func normalizeFinish(reason string) string {
	switch reason {
	case "", "stop", "end_turn":
		return llm.FinishStop
	case "tool_calls", "function_call", "tool_use":
		return llm.FinishToolCalls
	case "length", "max_tokens":
		return llm.FinishLength
	default:
		return reason
	}
}
