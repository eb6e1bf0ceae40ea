package planning

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/structured"
	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/types"
)

// DecomposerConfig 分解器配置
type DecomposerConfig struct {
	Model     string `yaml:"model" env:"MODEL"`
	MaxSteps  int    `yaml:"max_steps" env:"MAX_STEPS"`
	MaxTokens int    `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// DefaultDecomposerConfig 返回默认配置
func DefaultDecomposerConfig() DecomposerConfig {
	return DecomposerConfig{MaxSteps: 12, MaxTokens: 2048}
}

// Decision 是否需要多步编排
type Decision struct {
	Orchestrate bool   `json:"orchestrate"`
	Reason      string `json:"reason"`
}

// Request 编排判断的输入
type Request struct {
	Goal  string
	Tools []types.ToolSchema
	// History 最近的对话，可为空
	History []types.Message
}

// Decomposer 基于模型的任务分解器
type Decomposer struct {
	completer llm.Completer
	config    DecomposerConfig
	logger    *zap.Logger
}

// NewDecomposer 创建分解器
func NewDecomposer(completer llm.Completer, config DecomposerConfig, logger *zap.Logger) *Decomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultDecomposerConfig().MaxSteps
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultDecomposerConfig().MaxTokens
	}
	return &Decomposer{
		completer: completer,
		config:    config,
		logger:    logger.With(zap.String("component", "decomposer")),
	}
}

// orchestrationCriteria 需要多步编排的判断依据，任一成立即编排
var orchestrationCriteria = []string{
	"it will likely need more than 5 tool calls",
	"it processes a large dataset such as many files, rows, records or pages",
	"it is expected to run for several minutes or longer",
	"its inputs or intermediate results risk overflowing the model context window",
	"it is iterative work that loops until a condition is met",
	"it is a multi-stage workflow where later stages depend on earlier results",
}

var classifyPrompt = buildClassifyPrompt()

func buildClassifyPrompt() string {
	var b strings.Builder
	b.WriteString("You decide whether a request needs multi-step orchestration.\n\n")
	b.WriteString("Answer orchestrate=true when ANY of these hold:\n")
	for _, c := range orchestrationCriteria {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString("\nAnswer orchestrate=false for single questions, small edits, chit-chat,\n")
	b.WriteString("or anything one response with a few tool calls can fully handle.\n")
	b.WriteString("Name the criterion that applies in reason.")
	return b.String()
}

const decomposePrompt = `You break a goal into an ordered execution plan.

Each step has:
- id: short unique identifier such as "step-1"
- description: what the step must achieve, self-contained
- type: "tool-call" when it needs one of the available tools,
  "llm-reasoning" for analysis or writing, "checkpoint" to mark a point
  where progress is saved before continuing
- estimatedDuration: rough estimate such as "30s" or "2m"

Keep steps coarse. Do not exceed %d steps.`

func decisionSchema() *structured.JSONSchema {
	return structured.NewObjectSchema().
		AddProperty("orchestrate", structured.NewBooleanSchema()).
		AddProperty("reason", structured.NewStringSchema()).
		AddRequired("orchestrate")
}

func planSchema(maxSteps int) *structured.JSONSchema {
	step := structured.NewObjectSchema().
		AddProperty("id", structured.NewStringSchema().WithMinLength(1)).
		AddProperty("description", structured.NewStringSchema().WithMinLength(1)).
		AddProperty("type", structured.NewEnumSchema(string(StepToolCall), string(StepLLMReasoning), string(StepCheckpoint))).
		AddProperty("status", structured.NewStringSchema()).
		AddProperty("estimatedDuration", structured.NewStringSchema()).
		AddRequired("id", "description", "type")
	return structured.NewObjectSchema().
		AddProperty("steps", structured.NewArraySchema(step).WithMinItems(1).WithMaxItems(maxSteps)).
		AddRequired("steps")
}

// ShouldOrchestrate 由模型判断请求是否需要编排。
// 模型调用失败或输出无效时返回 false 并附带原因，只有 ctx 结束时返回 error。
func (d *Decomposer) ShouldOrchestrate(ctx context.Context, req Request) (Decision, error) {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(req.Goal)
	if len(req.Tools) > 0 {
		b.WriteString("\n\nAvailable tools:\n")
		writeTools(&b, req.Tools)
	}
	if n := len(req.History); n > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		for _, m := range req.History[max(0, n-6):] {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text())
		}
	}

	res, err := structured.Generate[Decision](ctx, d.completer, structured.Request{
		Model:        d.config.Model,
		SystemPrompt: classifyPrompt,
		Prompt:       b.String(),
		Schema:       decisionSchema(),
		MaxTokens:    256,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		d.logger.Warn("orchestration classification failed, using simple handling", zap.Error(err))
		return Decision{Orchestrate: false, Reason: "classification unavailable: " + err.Error()}, nil
	}
	return *res.Value, nil
}

// DecomposeGoal 生成执行计划。任何失败都返回单步回退计划。
func (d *Decomposer) DecomposeGoal(ctx context.Context, goal string, capabilities []types.ToolSchema) Plan {
	var b strings.Builder
	b.WriteString("Goal:\n")
	b.WriteString(goal)
	b.WriteString("\n\nAvailable tools:\n")
	if len(capabilities) == 0 {
		b.WriteString("(none)\n")
	}
	writeTools(&b, capabilities)

	res, err := structured.Generate[Plan](ctx, d.completer, structured.Request{
		Model:        d.config.Model,
		SystemPrompt: fmt.Sprintf(decomposePrompt, d.config.MaxSteps),
		Prompt:       b.String(),
		Schema:       planSchema(d.config.MaxSteps),
		MaxTokens:    d.config.MaxTokens,
	})
	if err != nil {
		d.logger.Warn("goal decomposition failed, using fallback plan", zap.Error(err))
		return FallbackPlan(goal)
	}

	plan := *res.Value
	plan.Fallback = false
	for i := range plan.Steps {
		plan.Steps[i].ID = strings.TrimSpace(plan.Steps[i].ID)
		plan.Steps[i].Status = StepPending
		plan.Steps[i].Output = ""
		plan.Steps[i].Error = ""
	}
	if err := plan.Validate(); err != nil {
		d.logger.Warn("decomposed plan invalid, using fallback plan", zap.Error(err))
		return FallbackPlan(goal)
	}

	d.logger.Debug("goal decomposed", zap.Int("steps", len(plan.Steps)))
	return plan
}

func writeTools(b *strings.Builder, tools []types.ToolSchema) {
	for _, t := range tools {
		if t.Description != "" {
			fmt.Fprintf(b, "- %s: %s\n", t.Name, t.Description)
		} else {
			fmt.Fprintf(b, "- %s\n", t.Name)
		}
	}
}
