package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/types"
)

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ExtractJSON 从可能包含 markdown 或说明文字的响应中取出 JSON
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if strings.Contains(response, "```") {
		if m := codeFence.FindStringSubmatch(response); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start >= 0 && end > start {
		return response[start : end+1]
	}

	start = strings.Index(response, "[")
	end = strings.LastIndex(response, "]")
	if start >= 0 && end > start {
		return response[start : end+1]
	}

	return response
}

// Parse 提取、校验并解析模型响应
func Parse[T any](response string, schema *JSONSchema, validator SchemaValidator) (*T, error) {
	if validator == nil {
		validator = NewValidator()
	}
	raw := ExtractJSON(response)
	if err := validator.Validate([]byte(raw), schema); err != nil {
		return nil, err
	}
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, &ValidationErrors{Errors: []ParseError{{Message: fmt.Sprintf("JSON parse error: %v", err)}}}
	}
	return &value, nil
}

// Request 结构化生成请求
type Request struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Schema       *JSONSchema
	MaxTokens    int
}

// Result 结构化生成结果。Raw 保留原始响应以便记录。
type Result[T any] struct {
	Value *T
	Raw   string
	Usage llm.ChatUsage
}

// Generate 调用模型并按 Schema 解析结果。
// 模型调用失败与校验失败都以 error 返回，调用方决定安全默认值。
func Generate[T any](ctx context.Context, completer llm.Completer, req Request) (*Result[T], error) {
	if completer == nil {
		return nil, types.NewError(types.ErrProviderNotSet, "completer not configured")
	}

	prompt := req.Prompt
	if req.Schema != nil {
		prompt += "\n\nRespond with a single JSON value matching this JSON Schema, and nothing else:\n" + req.Schema.String()
	}
	messages := make([]llm.Message, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, types.NewSystemMessage(req.SystemPrompt))
	}
	messages = append(messages, types.NewUserMessage(prompt))

	resp, err := completer.Completion(ctx, &llm.ChatRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	raw := resp.FirstText()
	result := &Result[T]{Raw: raw, Usage: resp.Usage}
	value, err := Parse[T](raw, req.Schema, nil)
	if err != nil {
		return result, err
	}
	result.Value = value
	return result, nil
}
