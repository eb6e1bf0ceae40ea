package planning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/testutil/mocks"
	"github.com/BaSui01/agentjobs/types"
)

func TestDecomposeGoal_ValidPlan(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponses("```json\n" + `{"steps":[
		{"id":"step-1","description":"Search for sources","type":"tool-call","estimatedDuration":"30s"},
		{"id":"step-2","description":"Summarize findings","type":"llm-reasoning","status":"completed"},
		{"id":"step-3","description":"Save progress","type":"checkpoint"}
	]}` + "\n```")
	d := NewDecomposer(provider, DecomposerConfig{Model: "gpt-4o"}, zap.NewNop())

	plan := d.DecomposeGoal(context.Background(), "research Go queues", []types.ToolSchema{{Name: "search", Description: "web search"}})

	require.Len(t, plan.Steps, 3)
	assert.False(t, plan.Fallback)
	assert.Equal(t, StepToolCall, plan.Steps[0].Type)
	assert.Equal(t, "30s", plan.Steps[0].EstimatedDuration)
	for _, s := range plan.Steps {
		assert.Equal(t, StepPending, s.Status)
	}

	reqs := provider.CompletionRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gpt-4o", reqs[0].Model)
	last := reqs[0].Messages[len(reqs[0].Messages)-1].Content
	assert.Contains(t, last, "search: web search")
	assert.Contains(t, last, "research Go queues")
}

func TestDecomposeGoal_Fallbacks(t *testing.T) {
	cases := map[string]*mocks.MockProvider{
		"not json":       mocks.NewMockProvider().WithResponses("I would first search, then write."),
		"unknown type":   mocks.NewMockProvider().WithResponses(`{"steps":[{"id":"a","description":"x","type":"dance"}]}`),
		"empty steps":    mocks.NewMockProvider().WithResponses(`{"steps":[]}`),
		"duplicate id":   mocks.NewMockProvider().WithResponses(`{"steps":[{"id":"a","description":"x","type":"checkpoint"},{"id":"a","description":"y","type":"checkpoint"}]}`),
		"provider error": mocks.NewMockProvider().WithError(errors.New("upstream down")),
	}
	for name, provider := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDecomposer(provider, DecomposerConfig{}, nil)
			plan := d.DecomposeGoal(context.Background(), "write a report", nil)
			require.Len(t, plan.Steps, 1)
			assert.True(t, plan.Fallback)
			assert.Equal(t, "write a report", plan.Steps[0].Description)
			assert.Equal(t, StepPending, plan.Steps[0].Status)
		})
	}
}

func TestDecomposeGoal_TooManySteps(t *testing.T) {
	var steps []string
	for i := 0; i < 4; i++ {
		steps = append(steps, `{"id":"s`+string(rune('a'+i))+`","description":"d","type":"llm-reasoning"}`)
	}
	provider := mocks.NewMockProvider().WithResponses(`{"steps":[` + strings.Join(steps, ",") + `]}`)
	d := NewDecomposer(provider, DecomposerConfig{MaxSteps: 3}, nil)

	plan := d.DecomposeGoal(context.Background(), "goal", nil)
	assert.True(t, plan.Fallback)
}

func TestDecomposeGoal_NilCompleter(t *testing.T) {
	d := NewDecomposer(nil, DefaultDecomposerConfig(), nil)
	plan := d.DecomposeGoal(context.Background(), "goal", nil)
	assert.True(t, plan.Fallback)
}

func TestShouldOrchestrate(t *testing.T) {
	t.Run("model says yes", func(t *testing.T) {
		provider := mocks.NewMockProvider().WithResponses(`{"orchestrate":true,"reason":"needs several tools"}`)
		d := NewDecomposer(provider, DefaultDecomposerConfig(), nil)
		dec, err := d.ShouldOrchestrate(context.Background(), Request{
			Goal:    "compare three vendors",
			History: []types.Message{types.NewUserMessage("hi")},
		})
		require.NoError(t, err)
		assert.True(t, dec.Orchestrate)
		assert.Equal(t, "needs several tools", dec.Reason)
	})

	t.Run("malformed output means simple handling", func(t *testing.T) {
		provider := mocks.NewMockProvider().WithResponses(`{"orchestrate":"maybe"}`)
		d := NewDecomposer(provider, DefaultDecomposerConfig(), nil)
		dec, err := d.ShouldOrchestrate(context.Background(), Request{Goal: "hello"})
		require.NoError(t, err)
		assert.False(t, dec.Orchestrate)
		assert.NotEmpty(t, dec.Reason)
	})

	t.Run("cancelled context", func(t *testing.T) {
		provider := mocks.NewMockProvider().WithCompletionFunc(func(ctx context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
			return nil, ctx.Err()
		})
		d := NewDecomposer(provider, DefaultDecomposerConfig(), nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := d.ShouldOrchestrate(ctx, Request{Goal: "x"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestShouldOrchestrate_Criteria(t *testing.T) {
	tests := []struct {
		name      string
		goal      string
		criterion string
	}{
		{"many tool calls", "Look up the weather in 12 cities and tabulate it", "more than 5 tool calls"},
		{"large dataset", "Classify each of the 40000 support tickets in the export", "large dataset"},
		{"long running", "Crawl the docs site and build a full index", "several minutes"},
		{"context window", "Summarize these twenty 300-page contracts", "context window"},
		{"iterative", "Keep refining the query until the test suite passes", "loops until a condition"},
		{"multi stage", "Gather sources, then draft a report, then review it", "multi-stage workflow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var system, prompt string
			provider := mocks.NewMockProvider().WithCompletionFunc(func(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
				system, prompt = req.Messages[0].Text(), req.Messages[len(req.Messages)-1].Text()
				return &llm.ChatResponse{Choices: []llm.ChatChoice{{
					Message: llm.Message{Role: llm.RoleAssistant, Content: `{"orchestrate":true,"reason":"` + tt.criterion + `"}`},
				}}}, nil
			})
			d := NewDecomposer(provider, DefaultDecomposerConfig(), nil)
			dec, err := d.ShouldOrchestrate(context.Background(), Request{Goal: tt.goal})
			require.NoError(t, err)
			assert.True(t, dec.Orchestrate)
			assert.Contains(t, system, tt.criterion)
			assert.Contains(t, prompt, tt.goal)
		})
	}
	assert.Len(t, orchestrationCriteria, len(tests))

	t.Run("single question", func(t *testing.T) {
		provider := mocks.NewMockProvider().WithResponses(`{"orchestrate":false,"reason":"one answer"}`)
		d := NewDecomposer(provider, DefaultDecomposerConfig(), nil)
		dec, err := d.ShouldOrchestrate(context.Background(), Request{Goal: "What is the capital of France?"})
		require.NoError(t, err)
		assert.False(t, dec.Orchestrate)
	})
}

func TestPlanHelpers(t *testing.T) {
	steps := []Subtask{
		{ID: "a", Status: StepCompleted},
		{ID: "b", Status: StepFailed},
		{ID: "c", Status: StepPending},
	}
	assert.Equal(t, 2, NextPending(steps))
	assert.False(t, AllDone(steps))
	assert.Equal(t, 1, Completed(steps))

	steps[2].Status = StepCompleted
	assert.Equal(t, -1, NextPending(steps))
	assert.True(t, AllDone(steps))
	assert.False(t, AllDone(nil))

	fb := FallbackPlan("goal")
	assert.NoError(t, fb.Validate())
	assert.Equal(t, StepLLMReasoning, fb.Steps[0].Type)
}
