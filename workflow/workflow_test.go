package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendStep(name string) *FuncStep {
	return NewFuncStep(name, func(_ context.Context, input any) (any, error) {
		return input.(string) + " -> " + name, nil
	})
}

func TestChainWorkflow(t *testing.T) {
	w := NewChainWorkflow("test-chain", "Test chain workflow", appendStep("step1"), appendStep("step2"))
	w.AddStep(appendStep("step3"))

	result, err := w.Execute(context.Background(), "start")
	require.NoError(t, err)
	assert.Equal(t, "start -> step1 -> step2 -> step3", result)
	assert.Len(t, w.Steps(), 3)
}

func TestChainWorkflow_StepError(t *testing.T) {
	boom := errors.New("boom")
	w := NewChainWorkflow("c", "", appendStep("a"), NewFuncStep("bad", func(context.Context, any) (any, error) {
		return nil, boom
	}))

	_, err := w.Execute(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "step 2 (bad)")
}

func TestChainWorkflow_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewChainWorkflow("c", "", appendStep("a")).Execute(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

type funcTask struct {
	name string
	fn   func(context.Context, any) (any, error)
}

func (f funcTask) Name() string                                     { return f.name }
func (f funcTask) Execute(ctx context.Context, in any) (any, error) { return f.fn(ctx, in) }

func TestParallelWorkflow_Aggregate(t *testing.T) {
	upper := funcTask{"upper", func(_ context.Context, in any) (any, error) { return strings.ToUpper(in.(string)), nil }}
	double := funcTask{"double", func(_ context.Context, in any) (any, error) { return in.(string) + in.(string), nil }}

	w := NewParallelWorkflow("p", "", func(_ context.Context, rs []TaskResult) (any, error) {
		parts := make([]string, 0, len(rs))
		for _, r := range rs {
			parts = append(parts, fmt.Sprintf("%s=%v", r.TaskName, r.Result))
		}
		return strings.Join(parts, ","), nil
	}, upper, double)

	out, err := w.Execute(context.Background(), "ab")
	require.NoError(t, err)
	assert.Equal(t, "upper=AB,double=abab", out)
}

func TestParallelWorkflow_FailFast(t *testing.T) {
	bad := funcTask{"bad", func(context.Context, any) (any, error) { return nil, errors.New("nope") }}
	ok := funcTask{"ok", func(context.Context, any) (any, error) { return 1, nil }}

	out, err := NewParallelWorkflow("p", "", nil, bad, ok).Execute(context.Background(), nil)
	require.NoError(t, err)
	rs := out.([]TaskResult)
	assert.Error(t, rs[0].Error)

	_, err = NewParallelWorkflow("p", "", nil, bad, ok).WithFailFast().Execute(context.Background(), nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewChainWorkflow("b", "second"))
	r.Register(NewChainWorkflow("a", "first"))

	w, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "first", w.Description())
	assert.Equal(t, []string{"a", "b"}, r.Names())
	_, ok = r.Get("missing")
	assert.False(t, ok)
}
