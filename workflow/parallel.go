package workflow

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Task 并行任务接口
type Task interface {
	Execute(ctx context.Context, input any) (any, error)
	Name() string
}

// TaskResult 任务结果
type TaskResult struct {
	TaskName string
	Result   any
	Error    error
}

// AggregatorFunc 将多个任务的结果聚合为最终输出
type AggregatorFunc func(ctx context.Context, results []TaskResult) (any, error)

// ParallelWorkflow 并行工作流：同一输入分发给所有任务，然后聚合结果
type ParallelWorkflow struct {
	name        string
	description string
	tasks       []Task
	aggregate   AggregatorFunc
	failFast    bool
}

// NewParallelWorkflow 创建并行工作流。aggregate 为 nil 时返回 []TaskResult。
func NewParallelWorkflow(name, description string, aggregate AggregatorFunc, tasks ...Task) *ParallelWorkflow {
	return &ParallelWorkflow{
		name:        name,
		description: description,
		tasks:       tasks,
		aggregate:   aggregate,
	}
}

// WithFailFast 任一任务失败时取消其余任务并返回错误
func (w *ParallelWorkflow) WithFailFast() *ParallelWorkflow {
	w.failFast = true
	return w
}

func (w *ParallelWorkflow) Execute(ctx context.Context, input any) (any, error) {
	results := make([]TaskResult, len(w.tasks))

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range w.tasks {
		g.Go(func() error {
			out, err := task.Execute(gctx, input)
			results[i] = TaskResult{TaskName: task.Name(), Result: out, Error: err}
			if err != nil && w.failFast {
				return fmt.Errorf("task %s failed: %w", task.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if w.aggregate == nil {
		return results, nil
	}
	return w.aggregate(ctx, results)
}

func (w *ParallelWorkflow) Name() string {
	return w.name
}

func (w *ParallelWorkflow) Description() string {
	return w.description
}
