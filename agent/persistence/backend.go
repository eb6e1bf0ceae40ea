package persistence

import "context"

const (
	collJobs              = "jobs"
	collIterations        = "iterations"
	collCheckpoints       = "checkpoints"
	collSummaries         = "summaries"
	collToolCalls         = "tool_calls"
	collMessages          = "messages"
	collSessions          = "sessions"
	collSessionIterations = "session_iterations"
	collObservations      = "observations"
)

// record 后端存储单元。Parent+Seq 构成有序索引，Tag 用于过滤（如任务状态）。
type record struct {
	Collection string
	ID         string
	Parent     string
	Tag        string
	Seq        int64
	Version    int64
	Data       []byte
}

// backend 记录级存储。三种实现需满足相同语义：
//   - create: 已存在返回 ErrAlreadyExists，版本置 1
//   - put: expected > 0 时比较版本（不存在 ErrNotFound，不一致 ErrConflict），
//     expected == 0 时直接覆盖；成功后 rec.Version 为新版本
//   - list: 按 Seq、ID 升序
type backend interface {
	create(ctx context.Context, rec *record) error
	get(ctx context.Context, coll, id string) (*record, error)
	put(ctx context.Context, rec *record, expected int64) error
	list(ctx context.Context, coll, parent string) ([]*record, error)
	count(ctx context.Context, coll, parent string) (int, error)
	deleteAll(ctx context.Context, coll, parent string) error
	ping(ctx context.Context) error
	close() error
}
