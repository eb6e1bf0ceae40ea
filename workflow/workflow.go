package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Runnable is the common execution interface shared by Step and Task.
type Runnable interface {
	Execute(ctx context.Context, input any) (any, error)
}

// Workflow 工作流接口
type Workflow interface {
	Runnable
	Name() string
	Description() string
}

// Step 工作流步骤接口
type Step interface {
	Runnable
	Name() string
}

// StepFunc 步骤函数类型
type StepFunc func(ctx context.Context, input any) (any, error)

// FuncStep 函数步骤实现
type FuncStep struct {
	name string
	fn   StepFunc
}

// NewFuncStep 创建函数步骤
func NewFuncStep(name string, fn StepFunc) *FuncStep {
	return &FuncStep{name: name, fn: fn}
}

func (s *FuncStep) Execute(ctx context.Context, input any) (any, error) {
	return s.fn(ctx, input)
}

func (s *FuncStep) Name() string {
	return s.name
}

// ChainWorkflow 链式工作流，每个步骤处理前一步的输出
type ChainWorkflow struct {
	name        string
	description string
	steps       []Step
}

// NewChainWorkflow 创建链式工作流
func NewChainWorkflow(name, description string, steps ...Step) *ChainWorkflow {
	return &ChainWorkflow{
		name:        name,
		description: description,
		steps:       steps,
	}
}

// Execute 按顺序执行每个步骤
func (w *ChainWorkflow) Execute(ctx context.Context, input any) (any, error) {
	current := input

	for i, step := range w.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := step.Execute(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s) failed: %w", i+1, step.Name(), err)
		}
		current = result
	}

	return current, nil
}

func (w *ChainWorkflow) Name() string {
	return w.name
}

func (w *ChainWorkflow) Description() string {
	return w.description
}

// AddStep 添加步骤
func (w *ChainWorkflow) AddStep(step Step) {
	w.steps = append(w.steps, step)
}

// Steps 返回所有步骤
func (w *ChainWorkflow) Steps() []Step {
	return w.steps
}

// Registry 工作流注册表
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry 创建工作流注册表
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register 注册工作流，同名覆盖
func (r *Registry) Register(w Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.Name()] = w
}

// Get 按名称获取工作流
func (r *Registry) Get(name string) (Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	return w, ok
}

// Names 返回已注册的工作流名称（有序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for n := range r.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
