package tokenizer

import (
	"strings"
	"sync"

	"github.com/BaSui01/agentjobs/types"
)

// 消息级估算的固定开销
const (
	ToolCallTokens   = 50
	ToolResultTokens = 50
	AttachmentTokens = 20
)

// Tokenizer 文本 Token 计数接口
type Tokenizer interface {
	CountTokens(text string) int
	Name() string
}

// CountMessages 估算消息列表的 Token 数：
// 文本按计数器计算，每个工具调用/结果 +50，每个附件 +20。
func CountMessages(t Tokenizer, msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += CountMessage(t, m)
	}
	return total
}

// CountMessage 估算单条消息的 Token 数
func CountMessage(t Tokenizer, m types.Message) int {
	tokens := 0
	if m.Role == types.RoleTool {
		tokens += ToolResultTokens
	} else if len(m.Parts) > 0 {
		for _, p := range m.Parts {
			switch p.Type {
			case types.PartText:
				tokens += t.CountTokens(p.Text)
			case types.PartToolCall:
				tokens += ToolCallTokens
				if p.State == types.ToolStateOutputAvailable || p.State == types.ToolStateOutputError {
					tokens += ToolResultTokens
				}
			}
		}
	} else {
		tokens += t.CountTokens(m.Content)
		tokens += len(m.ToolCalls) * ToolCallTokens
	}
	tokens += len(m.Attachments) * AttachmentTokens
	return tokens
}

// 全局分词器注册表
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// RegisterTokenizer 为给定的模型名称注册分词器
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// ForModel 返回模型注册的分词器，支持前缀匹配；未注册时返回估算器。
func ForModel(model string) Tokenizer {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t
	}
	best := ""
	for prefix := range modelTokenizers {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return modelTokenizers[best]
	}
	return NewEstimator()
}
