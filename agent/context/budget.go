package context

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultContextWindow 未知模型使用的窗口大小
const DefaultContextWindow = 128000

// DefaultSummarizeRatio 触发摘要的窗口占用比例
const DefaultSummarizeRatio = 0.8

// 已知模型的上下文窗口
var modelWindows = map[string]int{
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-4-turbo":       128000,
	"gpt-4":             8192,
	"gpt-4-32k":         32768,
	"gpt-4.1":           1047576,
	"gpt-4.1-mini":      1047576,
	"gpt-3.5-turbo":     16385,
	"o1":                200000,
	"o1-mini":           128000,
	"o3-mini":           200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-3-opus":     200000,
	"gemini-1.5-pro":    2097152,
	"gemini-1.5-flash":  1048576,
	"gemini-2.0-flash":  1048576,
	"deepseek-chat":     64000,
	"deepseek-reasoner": 64000,
	"qwen-max":          32768,
	"qwen-plus":         131072,
	"mistral-large":     128000,
	"llama-3.1-70b":     128000,
}

// 提供商默认值，按前缀匹配
var providerWindows = map[string]int{
	"gpt-":     128000,
	"o1":       200000,
	"o3":       200000,
	"claude":   200000,
	"gemini":   1048576,
	"deepseek": 64000,
	"qwen":     32768,
	"glm":      128000,
	"moonshot": 128000,
	"kimi":     128000,
	"mistral":  32000,
	"llama":    8192,
	"grok":     131072,
}

// BudgetConfig 预算配置
type BudgetConfig struct {
	// Ratio 累计 token 达到窗口的该比例时触发摘要
	Ratio float64 `yaml:"ratio" env:"RATIO"`
	// DefaultWindow 无法识别模型时的窗口大小
	DefaultWindow int `yaml:"default_window" env:"DEFAULT_WINDOW"`
	// Windows 覆盖或补充模型窗口表
	Windows map[string]int `yaml:"windows"`
}

// DefaultBudgetConfig 返回默认配置
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{Ratio: DefaultSummarizeRatio, DefaultWindow: DefaultContextWindow}
}

// Budget 上下文预算
type Budget struct {
	ratio         float64
	defaultWindow int
	models        map[string]int
	prefixes      []string
}

// NewBudget 创建预算管理器
func NewBudget(cfg BudgetConfig) *Budget {
	if cfg.Ratio <= 0 || cfg.Ratio > 1 {
		cfg.Ratio = DefaultSummarizeRatio
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultContextWindow
	}
	models := make(map[string]int, len(modelWindows)+len(cfg.Windows))
	for k, v := range modelWindows {
		models[k] = v
	}
	for k, v := range cfg.Windows {
		if v > 0 {
			models[strings.ToLower(k)] = v
		}
	}
	prefixes := make([]string, 0, len(providerWindows))
	for p := range providerWindows {
		prefixes = append(prefixes, p)
	}
	// 最长前缀优先
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	return &Budget{
		ratio:         cfg.Ratio,
		defaultWindow: cfg.DefaultWindow,
		models:        models,
		prefixes:      prefixes,
	}
}

// ContextWindowLimit 返回模型的上下文窗口大小。
// "openai/gpt-4o" 这样带提供商前缀的名称会先去掉前缀。
func (b *Budget) ContextWindowLimit(model string) int {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return b.defaultWindow
	}
	if w, ok := b.models[name]; ok {
		return w
	}
	for _, p := range b.prefixes {
		if strings.HasPrefix(name, p) {
			return providerWindows[p]
		}
	}
	return b.defaultWindow
}

// Ratio 返回摘要阈值比例
func (b *Budget) Ratio() float64 {
	return b.ratio
}

// ShouldSummarize 判断累计 token 是否达到阈值，返回原因用于日志
func (b *Budget) ShouldSummarize(cumulativeTokens int, model string) (bool, string) {
	limit := b.ContextWindowLimit(model)
	threshold := int(float64(limit) * b.ratio)
	if cumulativeTokens >= threshold {
		return true, fmt.Sprintf("cumulative tokens %d reached %.0f%% of %d-token window for %s",
			cumulativeTokens, b.ratio*100, limit, model)
	}
	return false, ""
}

// Exceeded 累计 token 是否已超出窗口
func (b *Budget) Exceeded(cumulativeTokens int, model string) bool {
	return cumulativeTokens >= b.ContextWindowLimit(model)
}
