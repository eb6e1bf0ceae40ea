package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentjobs/llm/tokenizer"
	"github.com/BaSui01/agentjobs/llm/tools"
	"github.com/BaSui01/agentjobs/workflow"
)

// 进程内置工具。外部协议工具由部署方在此处追加注册。

var currentTimeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "timezone": {"type": "string", "description": "IANA time zone, e.g. Asia/Shanghai. Defaults to UTC."}
  }
}`)

var textStatsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "text": {"type": "string", "description": "Text to measure."}
  },
  "required": ["text"]
}`)

// registerBuiltinTools 注册内置工具与工作流工具
func registerBuiltinTools(reg *tools.Registry, model string) error {
	if err := reg.Register(tools.Capability{
		Kind:        tools.KindBuiltin,
		Name:        "current_time",
		Description: "Returns the current date and time in RFC 3339 format.",
		InputSchema: currentTimeSchema,
		Timeout:     5 * time.Second,
		Func:        currentTime,
	}); err != nil {
		return err
	}

	wr := workflow.NewRegistry()
	wr.Register(textStatsWorkflow(model))
	return reg.RegisterWorkflows(wr)
}

func currentTime(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
	}
	loc := time.UTC
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
		}
		loc = l
	}
	now := time.Now().In(loc)
	return json.Marshal(map[string]string{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	})
}

// TextStats text_stats 工作流输出
type TextStats struct {
	Characters int `json:"characters"`
	Words      int `json:"words"`
	Lines      int `json:"lines"`
	Tokens     int `json:"tokens"`
}

// schemaWorkflow 为工作流附加参数 Schema
type schemaWorkflow struct {
	workflow.Workflow
	schema json.RawMessage
}

func (w schemaWorkflow) InputSchema() json.RawMessage { return w.schema }

// textStatsWorkflow 两步链：取出 text 字段，再并行统计各项指标
func textStatsWorkflow(model string) workflow.Workflow {
	extract := workflow.NewFuncStep("extract", func(_ context.Context, input any) (any, error) {
		m, ok := input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected an object with a text field")
		}
		text, ok := m["text"].(string)
		if !ok {
			return nil, fmt.Errorf("text must be a string")
		}
		return text, nil
	})

	count := func(name string, fn func(string) int) workflow.Task {
		return workflow.NewFuncStep(name, func(_ context.Context, input any) (any, error) {
			return fn(input.(string)), nil
		})
	}
	measure := workflow.NewParallelWorkflow("measure", "", aggregateTextStats,
		count("characters", func(s string) int { return len([]rune(s)) }),
		count("words", func(s string) int { return len(strings.Fields(s)) }),
		count("lines", func(s string) int {
			if s == "" {
				return 0
			}
			return strings.Count(s, "\n") + 1
		}),
		count("tokens", tokenizer.ForModel(model).CountTokens),
	).WithFailFast()

	chain := workflow.NewChainWorkflow("text_stats",
		"Counts characters, words, lines and model tokens in a piece of text.",
		extract, measure)
	return schemaWorkflow{Workflow: chain, schema: textStatsSchema}
}

func aggregateTextStats(_ context.Context, results []workflow.TaskResult) (any, error) {
	var stats TextStats
	for _, r := range results {
		n, _ := r.Result.(int)
		switch r.TaskName {
		case "characters":
			stats.Characters = n
		case "words":
			stats.Words = n
		case "lines":
			stats.Lines = n
		case "tokens":
			stats.Tokens = n
		}
	}
	return stats, nil
}
