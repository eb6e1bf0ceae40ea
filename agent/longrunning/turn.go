package longrunning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/agent/streaming"
	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/llm/tokenizer"
	"github.com/BaSui01/agentjobs/types"
)

// ContinuePrompt 自由模式续接回合的用户提示
const ContinuePrompt = "Continue."

// nextPrompt 返回本次迭代的用户提示以及对应的计划步骤
func (e *Engine) nextPrompt(job *persistence.Job, number int) (string, string, planning.StepType) {
	if !job.Orchestrated() {
		if number == 1 {
			return job.Goal, "", ""
		}
		return ContinuePrompt, "", ""
	}

	i := planning.NextPending(job.Plan)
	if i < 0 {
		return ContinuePrompt, "", ""
	}
	step := job.Plan[i]
	var sb strings.Builder
	if number == 1 {
		sb.WriteString(job.Goal)
		sb.WriteString("\n\nPlan:\n")
		for n, s := range job.Plan {
			fmt.Fprintf(&sb, "%d. %s\n", n+1, s.Description)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Step %d of %d: %s", i+1, len(job.Plan), step.Description)
	if step.Type == planning.StepToolCall {
		sb.WriteString("\nUse the available tools to complete this step.")
	}
	return sb.String(), step.ID, step.Type
}

type turnOutput struct {
	message types.Message
	records []persistence.ToolCallRecord
	finish  string
	usage   *llm.ChatUsage
}

// runTurn 执行一个模型回合并持久化迭代记录、线程消息与工具调用历史。
// 失败时返回已创建的迭代记录以便写入错误。
func (e *Engine) runTurn(ctx context.Context, job *persistence.Job, number int, prompt, stepID string) (*persistence.Iteration, error) {
	ctx, span := e.tracer.Start(ctx, "longrunning.iteration", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("iteration", number),
		attribute.String("step.id", stepID),
	))
	defer span.End()

	thread, err := e.store.LoadMessages(ctx, job.ThreadID)
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "load thread").WithCause(err).WithRetryable(true)
	}
	it := &persistence.Iteration{
		JobID:     job.ID,
		Number:    number,
		StepID:    stepID,
		Snapshot:  thread,
		StartedAt: e.now(),
	}
	if err := e.beginIteration(ctx, it); err != nil {
		return nil, err
	}

	input := make([]types.Message, 0, len(thread)+1)
	input = append(input, thread...)
	if prompt != "" && !endsWithPrompt(thread, prompt) {
		m := types.NewUserMessage(prompt)
		m.ID = uuid.NewString()
		m.Timestamp = e.now()
		it.Prompt = &m
		input = append(input, m)
	}

	model := e.model(job)
	out, err := e.callModel(ctx, job, it, model, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordIteration(model, "error", e.now().Sub(it.StartedAt), types.TokenUsage{})
		return it, err
	}

	now := e.now()
	usage := e.turnUsage(model, job.SystemPrompt, input, out)
	it.Message = &out.message
	it.ToolCalls = out.records
	it.FinishReason = out.finish
	it.InputTokens = usage.PromptTokens
	it.OutputTokens = usage.CompletionTokens
	it.TotalTokens = usage.TotalTokens
	it.CompletedAt = &now
	it.Duration = now.Sub(it.StartedAt)
	span.SetAttributes(
		attribute.String("finish_reason", out.finish),
		attribute.Int("tokens.total", usage.TotalTokens),
	)

	if err := e.store.UpdateIteration(ctx, it); err != nil {
		return it, types.NewError(types.ErrStoreUnavailable, "save iteration").WithCause(err).WithRetryable(true)
	}
	if err := e.appendTurn(ctx, job.ThreadID, it); err != nil {
		return it, err
	}
	if len(out.records) > 0 {
		if err := e.store.AppendToolCalls(ctx, job.ID, out.records...); err != nil {
			e.logger.Warn("failed to append tool call history", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	e.metrics.RecordIteration(model, "success", it.Duration, usage)
	e.publish(ctx, job, streaming.Event{
		Type:      streaming.EventMessageComplete,
		MessageID: out.message.ID,
		Iteration: number,
		Message:   &out.message,
		Usage:     &usage,
	})
	e.logger.Debug("iteration completed",
		zap.String("job_id", job.ID),
		zap.Int("iteration", number),
		zap.String("finish_reason", out.finish),
		zap.Int("tool_calls", len(out.records)),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Duration("duration", it.Duration))
	return it, nil
}

// beginIteration 创建迭代记录，重跑失败的迭代时覆盖旧记录
func (e *Engine) beginIteration(ctx context.Context, it *persistence.Iteration) error {
	err := e.store.CreateIteration(ctx, it)
	if errors.Is(err, persistence.ErrAlreadyExists) {
		err = e.store.UpdateIteration(ctx, it)
	}
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidInput) {
			return fmt.Errorf("iteration %d is not contiguous: %w", it.Number, err)
		}
		return types.NewError(types.ErrStoreUnavailable, "create iteration").WithCause(err).WithRetryable(true)
	}
	return nil
}

// callModel 调用模型。累计 Token 超过阈值时先摘要；上下文超限时
// 强制摘要后重试一次，仍然超限返回 ErrContextTooLong。
func (e *Engine) callModel(ctx context.Context, job *persistence.Job, it *persistence.Iteration, model string, input []types.Message) (*turnOutput, error) {
	tools := e.toolSchemas(job)
	messages := input
	forced := false
	if e.contexts != nil {
		cumulative := estimateTokens(model, job.SystemPrompt, input)
		forced = e.contexts.Budget().Exceeded(cumulative, model)
		messages = e.prepareContext(ctx, job, it, model, cumulative, input, forced)
	}

	out, err := e.stream(ctx, job, it, model, messages, tools)
	if err == nil || !llm.IsContextLengthError(err) {
		return out, err
	}
	if e.contexts == nil || forced {
		return nil, types.NewError(types.ErrContextTooLong, ReasonContextExceeded).WithCause(err)
	}

	e.logger.Warn("context length exceeded, summarizing and retrying",
		zap.String("job_id", job.ID), zap.Int("iteration", it.Number), zap.Error(err))
	cumulative := estimateTokens(model, job.SystemPrompt, messages)
	messages = e.prepareContext(ctx, job, it, model, cumulative, messages, true)
	out, err = e.stream(ctx, job, it, model, messages, tools)
	if err != nil && llm.IsContextLengthError(err) {
		return nil, types.NewError(types.ErrContextTooLong, ReasonContextExceeded).WithCause(err)
	}
	return out, err
}

// prepareContext 按预算摘要，结果只用于本回合；摘要记录单独持久化
func (e *Engine) prepareContext(ctx context.Context, job *persistence.Job, it *persistence.Iteration, model string, cumulative int, msgs []types.Message, force bool) []types.Message {
	p := e.contexts.Prepare(ctx, model, cumulative, msgs, force)
	res := p.Summary
	if res == nil {
		return p.Messages
	}
	if res.Err != nil {
		e.logger.Warn("summarization failed, keeping full context",
			zap.String("job_id", job.ID), zap.String("reason", p.Reason), zap.Error(res.Err))
		return p.Messages
	}
	if !res.Summarized {
		return p.Messages
	}

	summary := &persistence.ContextSummary{
		ID:                 uuid.NewString(),
		JobID:              job.ID,
		Iteration:          it.Number,
		Summary:            res.Summary,
		MessagesSummarized: res.MessagesSummarized,
		TokenCountBefore:   res.TokensBefore,
		TokenCountAfter:    res.TokensAfter,
		CreatedAt:          e.now(),
	}
	if err := e.store.SaveSummary(ctx, summary); err != nil {
		e.logger.Warn("failed to save context summary", zap.String("job_id", job.ID), zap.Error(err))
	} else {
		it.SummaryID = summary.ID
	}
	e.metrics.RecordSummarization(model, res.TokensBefore, res.TokensAfter)
	e.logger.Info("context summarized",
		zap.String("job_id", job.ID),
		zap.Int("iteration", it.Number),
		zap.String("reason", p.Reason),
		zap.Int("messages_summarized", res.MessagesSummarized),
		zap.Int("tokens_before", res.TokensBefore),
		zap.Int("tokens_after", res.TokensAfter))
	return p.Messages
}

// stream 执行一次模型调用，把回合事件转换为进度事件发布，并还原助手消息
func (e *Engine) stream(ctx context.Context, job *persistence.Job, it *persistence.Iteration, model string, messages []types.Message, tools []types.ToolSchema) (*turnOutput, error) {
	if e.config.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.TurnTimeout)
		defer cancel()
	}

	events, err := e.streamer.StreamTurn(ctx, &llm.TurnRequest{
		Model:        model,
		SystemPrompt: job.SystemPrompt,
		Messages:     messages,
		Tools:        tools,
		ToolChoice:   job.ToolChoice,
		MaxSteps:     e.config.MaxSteps,
	})
	if err != nil {
		return nil, err
	}

	msgID := uuid.NewString()
	e.publish(ctx, job, streaming.Event{Type: streaming.EventMessageStart, MessageID: msgID, Iteration: it.Number})

	b := streaming.NewMessageBuilder(msgID)
	out := &turnOutput{}
	inputs := make(map[string]json.RawMessage)
	var streamErr error
	for ev := range events {
		se := streaming.Event{MessageID: msgID, Iteration: it.Number}
		switch ev.Type {
		case llm.EventTextDelta:
			se.Type = streaming.EventTextDelta
			se.TextDelta = ev.TextDelta
		case llm.EventToolCall:
			if ev.ToolCall == nil {
				continue
			}
			inputs[ev.ToolCall.ID] = ev.ToolCall.Arguments
			se.Type = streaming.EventToolCall
			se.ToolCall = &streaming.ToolCallInfo{ID: ev.ToolCall.ID, Name: ev.ToolCall.Name, Input: ev.ToolCall.Arguments}
		case llm.EventToolResult:
			if ev.ToolResult == nil {
				continue
			}
			r := ev.ToolResult
			out.records = append(out.records, e.toolRecord(job.ID, it.Number, r, inputs[r.ToolCallID]))
			se.Type = streaming.EventToolResult
			se.ToolResult = &streaming.ToolResultInfo{ID: r.ToolCallID, Name: r.Name, Output: r.Result, Error: r.Error}
		case llm.EventFinish:
			out.finish = ev.FinishReason
			out.usage = ev.Usage
			continue
		case llm.EventError:
			if streamErr == nil {
				streamErr = ev.Err
				if streamErr == nil {
					streamErr = errors.New("model stream reported an error")
				}
			}
			continue
		default:
			continue
		}
		b.Apply(se)
		e.publish(ctx, job, se)
	}

	if streamErr != nil {
		return nil, streamErr
	}
	if out.finish == "" {
		if err := ctx.Err(); err != nil {
			return nil, types.NewError(types.ErrUpstreamTimeout, "turn did not finish").WithCause(err).WithRetryable(true)
		}
		return nil, errors.New("turn stream ended without a finish event")
	}
	out.message = b.Message()
	out.message.Timestamp = e.now()
	return out, nil
}

func (e *Engine) toolRecord(jobID string, number int, r *types.ToolResult, input json.RawMessage) persistence.ToolCallRecord {
	success := r.Error == "" && !r.Exhausted
	e.metrics.RecordToolCall(r.Name, success, r.Attempts, r.Duration)
	rec := persistence.ToolCallRecord{
		JobID:      jobID,
		Iteration:  number,
		ToolCallID: r.ToolCallID,
		Name:       r.Name,
		Arguments:  input,
		Result:     r.Result,
		Error:      r.Error,
		Attempts:   r.Attempts,
		Duration:   r.Duration,
		CreatedAt:  e.now(),
	}
	if r.Exhausted && rec.Error == "" {
		rec.Error = "retries exhausted"
	}
	return rec
}

// turnUsage 优先使用模型报告的用量，否则按分词器估算
func (e *Engine) turnUsage(model, systemPrompt string, input []types.Message, out *turnOutput) types.TokenUsage {
	if out.usage != nil {
		if u := out.usage.TokenUsage().Normalize(); !u.IsZero() {
			return u
		}
	}
	tk := tokenizer.ForModel(model)
	u := types.TokenUsage{
		PromptTokens:     estimateTokens(model, systemPrompt, input),
		CompletionTokens: tokenizer.CountMessage(tk, out.message),
	}
	return u.Normalize()
}

// appendTurn 把回合的提示与助手消息追加到线程；已存在时跳过
func (e *Engine) appendTurn(ctx context.Context, threadID string, it *persistence.Iteration) error {
	var msgs []types.Message
	if it.Prompt != nil {
		msgs = append(msgs, *it.Prompt)
	}
	if it.Message != nil {
		msgs = append(msgs, *it.Message)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := e.store.AppendMessages(ctx, threadID, msgs...); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "append thread").WithCause(err).WithRetryable(true)
	}
	return nil
}

// restoreThread 应用已记录的迭代前，确保线程中包含该回合的消息
func (e *Engine) restoreThread(ctx context.Context, job *persistence.Job, it *persistence.Iteration) error {
	if it.Message == nil {
		return nil
	}
	thread, err := e.store.LoadMessages(ctx, job.ThreadID)
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "load thread").WithCause(err).WithRetryable(true)
	}
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].ID == it.Message.ID {
			return nil
		}
	}
	return e.appendTurn(ctx, job.ThreadID, it)
}

// checkpointIteration 计划中的检查点步骤不调用模型，记录一个空回合
func (e *Engine) checkpointIteration(ctx context.Context, job *persistence.Job, number int, stepID string) (*persistence.Iteration, error) {
	now := e.now()
	it := &persistence.Iteration{
		JobID:        job.ID,
		Number:       number,
		StepID:       stepID,
		FinishReason: string(planning.StepCheckpoint),
		StartedAt:    now,
	}
	if err := e.beginIteration(ctx, it); err != nil {
		return nil, err
	}
	it.CompletedAt = &now
	if err := e.store.UpdateIteration(ctx, it); err != nil {
		return it, types.NewError(types.ErrStoreUnavailable, "save iteration").WithCause(err).WithRetryable(true)
	}
	return it, nil
}

func (e *Engine) toolSchemas(job *persistence.Job) []types.ToolSchema {
	if e.tools == nil {
		return nil
	}
	all := e.tools.Schemas()
	if len(job.Tools) == 0 {
		return all
	}
	allowed := make(map[string]struct{}, len(job.Tools))
	for _, name := range job.Tools {
		allowed[name] = struct{}{}
	}
	out := make([]types.ToolSchema, 0, len(job.Tools))
	for _, s := range all {
		if _, ok := allowed[s.Name]; ok {
			out = append(out, s)
		}
	}
	return out
}

func estimateTokens(model, systemPrompt string, msgs []types.Message) int {
	tk := tokenizer.ForModel(model)
	n := tokenizer.CountMessages(tk, msgs)
	if systemPrompt != "" {
		n += tk.CountTokens(systemPrompt)
	}
	return n
}

func endsWithPrompt(thread []types.Message, prompt string) bool {
	if len(thread) == 0 {
		return false
	}
	last := thread[len(thread)-1]
	return last.Role == types.RoleUser && last.Content == prompt
}
