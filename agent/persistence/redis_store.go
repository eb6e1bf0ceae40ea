package persistence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisBackend stores each record as a hash and keeps a sorted set per parent
// (score = Seq) for ordered listing. Writes run as Lua scripts so the version
// check and the index update are atomic.
type redisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'parent', ARGV[2], 'tag', ARGV[3], 'seq', ARGV[4], 'version', 1)
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
local expected = tonumber(ARGV[6])
if expected > 0 then
  if not cur then
    return -1
  end
  if tonumber(cur) ~= expected then
    return -2
  end
end
local v = 1
if cur then
  v = tonumber(cur) + 1
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'parent', ARGV[2], 'tag', ARGV[3], 'seq', ARGV[4], 'version', v)
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return v
`)

// NewRedisStore creates a Redis-backed store. The client is owned by the caller.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RecordStore {
	if keyPrefix == "" {
		keyPrefix = "agentjobs:"
	}
	return newRecordStore(&redisBackend{client: client, keyPrefix: keyPrefix + "store:"})
}

func (r *redisBackend) dataKey(coll, id string) string {
	return r.keyPrefix + coll + ":" + id
}

func (r *redisBackend) indexKey(coll, parent string) string {
	return r.keyPrefix + coll + ":idx:" + parent
}

func (r *redisBackend) args(rec *record) []any {
	return []any{rec.Data, rec.Parent, rec.Tag, rec.Seq, rec.ID}
}

func (r *redisBackend) create(ctx context.Context, rec *record) error {
	keys := []string{r.dataKey(rec.Collection, rec.ID), r.indexKey(rec.Collection, rec.Parent)}
	n, err := createScript.Run(ctx, r.client, keys, r.args(rec)...).Int()
	if err != nil {
		return fmt.Errorf("redis create %s/%s: %w", rec.Collection, rec.ID, err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	rec.Version = 1
	return nil
}

func (r *redisBackend) get(ctx context.Context, coll, id string) (*record, error) {
	fields, err := r.client.HGetAll(ctx, r.dataKey(coll, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", coll, id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseRecord(coll, id, fields), nil
}

func parseRecord(coll, id string, fields map[string]string) *record {
	seq, _ := strconv.ParseInt(fields["seq"], 10, 64)
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	return &record{
		Collection: coll,
		ID:         id,
		Parent:     fields["parent"],
		Tag:        fields["tag"],
		Seq:        seq,
		Version:    version,
		Data:       []byte(fields["data"]),
	}
}

func (r *redisBackend) put(ctx context.Context, rec *record, expected int64) error {
	keys := []string{r.dataKey(rec.Collection, rec.ID), r.indexKey(rec.Collection, rec.Parent)}
	args := append(r.args(rec), expected)
	v, err := putScript.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis put %s/%s: %w", rec.Collection, rec.ID, err)
	}
	switch v {
	case -1:
		return ErrNotFound
	case -2:
		return ErrConflict
	}
	rec.Version = v
	return nil
}

func (r *redisBackend) list(ctx context.Context, coll, parent string) ([]*record, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(coll, parent), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", coll, err)
	}
	if len(ids) == 0 {
		return []*record{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.dataKey(coll, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis list %s: %w", coll, err)
	}

	out := make([]*record, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, parseRecord(coll, ids[i], fields))
	}
	return out, nil
}

func (r *redisBackend) count(ctx context.Context, coll, parent string) (int, error) {
	n, err := r.client.ZCard(ctx, r.indexKey(coll, parent)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count %s: %w", coll, err)
	}
	return int(n), nil
}

func (r *redisBackend) deleteAll(ctx context.Context, coll, parent string) error {
	idx := r.indexKey(coll, parent)
	ids, err := r.client.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", coll, err)
	}
	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.dataKey(coll, id))
	}
	pipe.Del(ctx, idx)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisBackend) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// 客户端由调用方关闭
func (r *redisBackend) close() error { return nil }
