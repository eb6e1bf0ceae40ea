package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/llm/tokenizer"
	"github.com/BaSui01/agentjobs/types"
)

// PreservedPairs 摘要时原样保留的最近 user/assistant 对数
const PreservedPairs = 2

// SummaryPrefix 合成摘要消息的前缀
const SummaryPrefix = "Previous conversation summary"

// MetadataSummary 合成摘要消息的 metadata 标记
const MetadataSummary = "context_summary"

const summarizePrompt = `Summarize the conversation below so that it can replace the original messages.
Cover:
- the topics discussed
- decisions that were made and why
- facts, names, numbers, and tool results that later steps may need
- open questions or unfinished work

Write plain prose or short bullet points. Do not invent anything.`

// SummarizerConfig 摘要器配置
type SummarizerConfig struct {
	Model     string `yaml:"model" env:"MODEL"`
	MaxTokens int    `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// Result 一次摘要的结果
type Result struct {
	// Messages 优化后的消息；未摘要时为原始消息
	Messages []types.Message
	// Summarized 是否实际替换了旧消息
	Summarized         bool
	Summary            string
	MessagesSummarized int
	TokensBefore       int
	TokensAfter        int
	Usage              llm.ChatUsage
	// Err 摘要调用失败的原因，失败时 Messages 为原始消息
	Err error
}

// Summarizer 把旧消息压缩为一条合成消息
type Summarizer struct {
	completer llm.Completer
	config    SummarizerConfig
	logger    *zap.Logger
}

// NewSummarizer 创建摘要器
func NewSummarizer(completer llm.Completer, config SummarizerConfig, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	return &Summarizer{
		completer: completer,
		config:    config,
		logger:    logger.With(zap.String("component", "summarizer")),
	}
}

// Summarize 压缩消息列表。system 消息保持在最前面，
// 最近两组完整的 user/assistant 对及其后的消息原样保留。
func (s *Summarizer) Summarize(ctx context.Context, messages []types.Message) Result {
	tok := tokenizer.ForModel(s.config.Model)
	before := tokenizer.CountMessages(tok, messages)
	res := Result{Messages: messages, TokensBefore: before, TokensAfter: before}

	system, rest := splitSystem(messages)
	cut := PreservedStart(rest, PreservedPairs)
	if cut <= 0 {
		return res
	}
	old, kept := rest[:cut], rest[cut:]

	if s.completer == nil {
		res.Err = types.NewError(types.ErrProviderNotSet, "summarizer completer not configured")
		return res
	}

	resp, err := s.completer.Completion(ctx, &llm.ChatRequest{
		Model: s.config.Model,
		Messages: []types.Message{
			types.NewSystemMessage(summarizePrompt),
			types.NewUserMessage(transcript(old)),
		},
		MaxTokens: s.config.MaxTokens,
	})
	if err == nil && strings.TrimSpace(resp.FirstText()) == "" {
		err = fmt.Errorf("empty summary")
	}
	if err != nil {
		s.logger.Warn("summarization failed, keeping original messages",
			zap.Int("messages", len(old)),
			zap.Error(err))
		res.Err = types.NewError(types.ErrSummarizationFail, "summarization failed").WithCause(err)
		return res
	}

	summary := strings.TrimSpace(resp.FirstText())
	synthetic := types.Message{
		ID:        uuid.NewString(),
		Role:      types.RoleSystem,
		Content:   fmt.Sprintf("%s (%d messages): %s", SummaryPrefix, len(old), summary),
		Metadata:  map[string]any{MetadataSummary: true, "messages_summarized": len(old)},
		Timestamp: time.Now(),
	}

	out := make([]types.Message, 0, len(system)+1+len(kept))
	out = append(out, system...)
	out = append(out, synthetic)
	out = append(out, kept...)

	res.Messages = out
	res.Summarized = true
	res.Summary = summary
	res.MessagesSummarized = len(old)
	res.TokensAfter = tokenizer.CountMessages(tok, out)
	res.Usage = resp.Usage

	s.logger.Info("context summarized",
		zap.Int("messages_summarized", len(old)),
		zap.Int("tokens_before", res.TokensBefore),
		zap.Int("tokens_after", res.TokensAfter))
	return res
}

// PreservedStart 从后向前查找最近 pairs 组完整的 user/assistant 对，
// 返回需要保留部分的起始下标。找不到足够的对时返回 0，表示不摘要。
func PreservedStart(messages []types.Message, pairs int) int {
	found := 0
	needUser := false
	for i := len(messages) - 1; i >= 0; i-- {
		switch messages[i].Role {
		case types.RoleAssistant:
			needUser = true
		case types.RoleUser:
			if needUser {
				needUser = false
				found++
				if found == pairs {
					return i
				}
			}
		}
	}
	return 0
}

// IsSummary reports whether m is a synthetic summary message.
func IsSummary(m types.Message) bool {
	if v, ok := m.Metadata[MetadataSummary].(bool); ok && v {
		return true
	}
	return strings.HasPrefix(m.Content, SummaryPrefix+" (")
}

func splitSystem(messages []types.Message) (system, rest []types.Message) {
	for _, m := range messages {
		if m.Role == types.RoleSystem && !IsSummary(m) {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	return system, rest
}

// transcript 把消息渲染为供摘要使用的文本
func transcript(messages []types.Message) string {
	var b strings.Builder
	for _, m := range types.FlattenMessages(messages) {
		switch {
		case m.Role == types.RoleTool:
			fmt.Fprintf(&b, "tool result (%s): %s\n", m.Name, m.Content)
		case len(m.ToolCalls) > 0:
			if text := m.Text(); text != "" {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "%s called %s with %s\n", m.Role, tc.Name, string(tc.Arguments))
			}
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text())
		}
	}
	return b.String()
}
