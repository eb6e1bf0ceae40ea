package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentjobs/types"
	"github.com/BaSui01/agentjobs/workflow"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Kind 工具能力来源
type Kind string

const (
	KindBuiltin  Kind = "builtin"
	KindExternal Kind = "external-protocol"
	KindWorkflow Kind = "workflow"
)

// BuiltinFunc 进程内工具函数签名
type BuiltinFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ExternalInvoker 外部工具协议客户端（如 MCP 桥），按服务器与工具名调用
type ExternalInvoker interface {
	CallTool(ctx context.Context, server, name string, args json.RawMessage) (json.RawMessage, error)
}

// Capability 模型可调用的一项工具能力。
// Kind 决定使用哪组字段：builtin 用 Func，external-protocol 用
// Invoker/Server/RemoteName，workflow 用 Workflow。
type Capability struct {
	Kind        Kind
	Name        string
	Description string
	InputSchema json.RawMessage
	Timeout     time.Duration
	// RateLimit 每秒最大调用次数，0 表示不限制
	RateLimit float64

	Func BuiltinFunc

	Invoker    ExternalInvoker
	Server     string
	RemoteName string

	Workflow workflow.Runnable
}

// Schema 返回提供给模型的工具定义
func (c Capability) Schema() types.ToolSchema {
	params := c.InputSchema
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return types.ToolSchema{Name: c.Name, Description: c.Description, Parameters: params}
}

// Validate 校验能力定义与 Kind 匹配
func (c Capability) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	switch c.Kind {
	case KindBuiltin:
		if c.Func == nil {
			return fmt.Errorf("builtin capability %s has no func", c.Name)
		}
	case KindExternal:
		if c.Invoker == nil || c.Server == "" {
			return fmt.Errorf("external capability %s needs invoker and server", c.Name)
		}
	case KindWorkflow:
		if c.Workflow == nil {
			return fmt.Errorf("workflow capability %s has no workflow", c.Name)
		}
	default:
		return fmt.Errorf("capability %s has unknown kind %q", c.Name, c.Kind)
	}
	return nil
}

// Invoke 按 Kind 分派调用
func (c Capability) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	switch c.Kind {
	case KindBuiltin:
		return c.Func(ctx, args)
	case KindExternal:
		name := c.RemoteName
		if name == "" {
			name = c.Name
		}
		return c.Invoker.CallTool(ctx, c.Server, name, args)
	case KindWorkflow:
		var input any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, fmt.Errorf("decode workflow input: %w", err)
			}
		}
		out, err := c.Workflow.Execute(ctx, input)
		if err != nil {
			return nil, err
		}
		if raw, ok := out.(json.RawMessage); ok {
			return raw, nil
		}
		return json.Marshal(out)
	default:
		return nil, types.NewError(types.ErrToolNotRegistered, fmt.Sprintf("unknown capability kind %q", c.Kind))
	}
}

// Registry 工具能力注册中心
type Registry struct {
	mu       sync.RWMutex
	caps     map[string]Capability
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewRegistry 创建工具能力注册中心
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		caps:     make(map[string]Capability),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With(zap.String("component", "tool_registry")),
	}
}

// DefaultToolTimeout 能力未设置超时时的单次调用超时
const DefaultToolTimeout = 30 * time.Second

// Register 注册能力，名称重复时报错
func (r *Registry) Register(c Capability) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultToolTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("tool %s already registered", c.Name)
	}
	r.caps[c.Name] = c
	if c.RateLimit > 0 {
		burst := int(c.RateLimit)
		if burst < 1 {
			burst = 1
		}
		r.limiters[c.Name] = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
	}

	r.logger.Info("tool registered",
		zap.String("name", c.Name),
		zap.String("kind", string(c.Kind)),
		zap.Duration("timeout", c.Timeout))
	return nil
}

// SchemaProvider 工作流可选实现，提供参数的 JSON Schema
type SchemaProvider interface {
	InputSchema() json.RawMessage
}

// RegisterWorkflows 将注册表中的所有工作流注册为 workflow 能力
func (r *Registry) RegisterWorkflows(wr *workflow.Registry) error {
	for _, name := range wr.Names() {
		w, _ := wr.Get(name)
		c := Capability{
			Kind:        KindWorkflow,
			Name:        name,
			Description: w.Description(),
			Workflow:    w,
		}
		if sp, ok := w.(SchemaProvider); ok {
			c.InputSchema = sp.InputSchema()
		}
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Unregister 移除能力
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, name)
	delete(r.limiters, name)
}

// Get 按名称获取能力
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Has 判断能力是否存在
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List 返回所有能力（按名称排序）
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas 返回所有能力的工具定义（按名称排序）
func (r *Registry) Schemas() []types.ToolSchema {
	caps := r.List()
	out := make([]types.ToolSchema, 0, len(caps))
	for _, c := range caps {
		out = append(out, c.Schema())
	}
	return out
}

func (r *Registry) limiter(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}
