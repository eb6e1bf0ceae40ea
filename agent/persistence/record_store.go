package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BaSui01/agentjobs/types"
	"github.com/google/uuid"
)

// RecordStore 在 backend 之上实现 Store，记录以 JSON 保存。
type RecordStore struct {
	b backend
}

var _ Store = (*RecordStore)(nil)

func newRecordStore(b backend) *RecordStore {
	return &RecordStore{b: b}
}

// Close closes the store
func (s *RecordStore) Close() error { return s.b.close() }

// Ping checks if the store is healthy
func (s *RecordStore) Ping(ctx context.Context) error { return s.b.ping(ctx) }

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

func decode[T any](rec *record) (*T, error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return &v, nil
}

func decodeAll[T any](recs []*record) ([]*T, error) {
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		v, err := decode[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func numberKey(parent string, n int) string {
	return parent + ":" + strconv.Itoa(n)
}

// =============================================================================
// Jobs
// =============================================================================

func (s *RecordStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return ErrInvalidInput
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1

	data, err := encode(job)
	if err != nil {
		return err
	}
	return s.b.create(ctx, &record{
		Collection: collJobs,
		ID:         job.ID,
		Tag:        string(job.Status),
		Seq:        job.CreatedAt.UnixMicro(),
		Data:       data,
	})
}

func (s *RecordStore) GetJob(ctx context.Context, id string) (*Job, error) {
	rec, err := s.b.get(ctx, collJobs, id)
	if err != nil {
		return nil, err
	}
	return decode[Job](rec)
}

func (s *RecordStore) UpdateJob(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return ErrInvalidInput
	}
	expected := job.Version
	prevUpdated := job.UpdatedAt
	job.Version = expected + 1
	job.UpdatedAt = time.Now().UTC()

	data, err := encode(job)
	if err == nil {
		err = s.b.put(ctx, &record{
			Collection: collJobs,
			ID:         job.ID,
			Tag:        string(job.Status),
			Seq:        job.CreatedAt.UnixMicro(),
			Data:       data,
		}, expected)
	}
	if err != nil {
		job.Version = expected
		job.UpdatedAt = prevUpdated
		return err
	}
	return nil
}

func (s *RecordStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	recs, err := s.b.list(ctx, collJobs, "")
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(recs))
	for _, rec := range recs {
		if len(filter.Status) > 0 && !containsStatus(filter.Status, JobStatus(rec.Tag)) {
			continue
		}
		job, err := decode[Job](rec)
		if err != nil {
			return nil, err
		}
		if !filter.match(job) {
			continue
		}
		jobs = append(jobs, job)
		if filter.Limit > 0 && len(jobs) >= filter.Limit {
			break
		}
	}
	return jobs, nil
}

func containsStatus(list []JobStatus, s JobStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Iterations
// =============================================================================

func (s *RecordStore) CreateIteration(ctx context.Context, it *Iteration) error {
	if it == nil || it.JobID == "" || it.Number < 1 {
		return ErrInvalidInput
	}
	key := numberKey(it.JobID, it.Number)
	if _, err := s.b.get(ctx, collIterations, key); err == nil {
		return ErrAlreadyExists
	}
	n, err := s.b.count(ctx, collIterations, it.JobID)
	if err != nil {
		return err
	}
	if it.Number != n+1 {
		return fmt.Errorf("%w: iteration %d after %d", ErrInvalidInput, it.Number, n)
	}
	if it.StartedAt.IsZero() {
		it.StartedAt = time.Now().UTC()
	}
	data, err := encode(it)
	if err != nil {
		return err
	}
	return s.b.create(ctx, &record{
		Collection: collIterations,
		ID:         key,
		Parent:     it.JobID,
		Seq:        int64(it.Number),
		Data:       data,
	})
}

func (s *RecordStore) UpdateIteration(ctx context.Context, it *Iteration) error {
	if it == nil || it.JobID == "" {
		return ErrInvalidInput
	}
	key := numberKey(it.JobID, it.Number)
	if _, err := s.b.get(ctx, collIterations, key); err != nil {
		return err
	}
	data, err := encode(it)
	if err != nil {
		return err
	}
	return s.b.put(ctx, &record{
		Collection: collIterations,
		ID:         key,
		Parent:     it.JobID,
		Seq:        int64(it.Number),
		Data:       data,
	}, 0)
}

func (s *RecordStore) GetIteration(ctx context.Context, jobID string, number int) (*Iteration, error) {
	rec, err := s.b.get(ctx, collIterations, numberKey(jobID, number))
	if err != nil {
		return nil, err
	}
	return decode[Iteration](rec)
}

func (s *RecordStore) ListIterations(ctx context.Context, jobID string) ([]*Iteration, error) {
	recs, err := s.b.list(ctx, collIterations, jobID)
	if err != nil {
		return nil, err
	}
	return decodeAll[Iteration](recs)
}

// =============================================================================
// Checkpoints
// =============================================================================

func (s *RecordStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.JobID == "" {
		return ErrInvalidInput
	}
	latest, err := s.LatestCheckpoint(ctx, cp.JobID)
	switch {
	case err == nil:
		if cp.StepIndex < latest.StepIndex {
			return fmt.Errorf("%w: checkpoint step %d before latest %d", ErrInvalidInput, cp.StepIndex, latest.StepIndex)
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}
	// 同一步骤只保留一个检查点
	return s.b.put(ctx, &record{
		Collection: collCheckpoints,
		ID:         numberKey(cp.JobID, cp.StepIndex),
		Parent:     cp.JobID,
		Seq:        int64(cp.StepIndex),
		Data:       data,
	}, 0)
}

func (s *RecordStore) LatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	recs, err := s.b.list(ctx, collCheckpoints, jobID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return decode[Checkpoint](recs[len(recs)-1])
}

func (s *RecordStore) ListCheckpoints(ctx context.Context, jobID string) ([]*Checkpoint, error) {
	recs, err := s.b.list(ctx, collCheckpoints, jobID)
	if err != nil {
		return nil, err
	}
	return decodeAll[Checkpoint](recs)
}

// =============================================================================
// Summaries
// =============================================================================

func (s *RecordStore) SaveSummary(ctx context.Context, sum *ContextSummary) error {
	if sum == nil || sum.JobID == "" {
		return ErrInvalidInput
	}
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	data, err := encode(sum)
	if err != nil {
		return err
	}
	return s.b.put(ctx, &record{
		Collection: collSummaries,
		ID:         sum.ID,
		Parent:     sum.JobID,
		Seq:        int64(sum.Iteration),
		Data:       data,
	}, 0)
}

func (s *RecordStore) GetSummary(ctx context.Context, id string) (*ContextSummary, error) {
	rec, err := s.b.get(ctx, collSummaries, id)
	if err != nil {
		return nil, err
	}
	return decode[ContextSummary](rec)
}

func (s *RecordStore) ListSummaries(ctx context.Context, jobID string) ([]*ContextSummary, error) {
	recs, err := s.b.list(ctx, collSummaries, jobID)
	if err != nil {
		return nil, err
	}
	return decodeAll[ContextSummary](recs)
}

// =============================================================================
// Tool calls / thread messages
// =============================================================================

func (s *RecordStore) AppendToolCalls(ctx context.Context, jobID string, records ...ToolCallRecord) error {
	if jobID == "" {
		return ErrInvalidInput
	}
	n, err := s.b.count(ctx, collToolCalls, jobID)
	if err != nil {
		return err
	}
	for i := range records {
		rec := records[i]
		rec.JobID = jobID
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		data, err := encode(rec)
		if err != nil {
			return err
		}
		seq := n + i + 1
		if err := s.b.create(ctx, &record{
			Collection: collToolCalls,
			ID:         numberKey(jobID, seq),
			Parent:     jobID,
			Seq:        int64(seq),
			Data:       data,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecordStore) ListToolCalls(ctx context.Context, jobID string) ([]ToolCallRecord, error) {
	recs, err := s.b.list(ctx, collToolCalls, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]ToolCallRecord, 0, len(recs))
	for _, rec := range recs {
		v, err := decode[ToolCallRecord](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func (s *RecordStore) AppendMessages(ctx context.Context, threadID string, msgs ...types.Message) error {
	if threadID == "" {
		return ErrInvalidInput
	}
	n, err := s.b.count(ctx, collMessages, threadID)
	if err != nil {
		return err
	}
	return s.writeMessages(ctx, threadID, n, msgs)
}

func (s *RecordStore) writeMessages(ctx context.Context, threadID string, offset int, msgs []types.Message) error {
	for i := range msgs {
		msg := msgs[i]
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		data, err := encode(msg)
		if err != nil {
			return err
		}
		seq := offset + i + 1
		if err := s.b.create(ctx, &record{
			Collection: collMessages,
			ID:         numberKey(threadID, seq),
			Parent:     threadID,
			Seq:        int64(seq),
			Data:       data,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecordStore) LoadMessages(ctx context.Context, threadID string) ([]types.Message, error) {
	recs, err := s.b.list(ctx, collMessages, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Message, 0, len(recs))
	for _, rec := range recs {
		v, err := decode[types.Message](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func (s *RecordStore) ReplaceMessages(ctx context.Context, threadID string, msgs []types.Message) error {
	if threadID == "" {
		return ErrInvalidInput
	}
	if err := s.b.deleteAll(ctx, collMessages, threadID); err != nil {
		return err
	}
	return s.writeMessages(ctx, threadID, 0, msgs)
}

// =============================================================================
// Autonomous sessions
// =============================================================================

func (s *RecordStore) CreateSession(ctx context.Context, sess *AutonomousSession) error {
	if sess == nil {
		return ErrInvalidInput
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Version = 1

	data, err := encode(sess)
	if err != nil {
		return err
	}
	return s.b.create(ctx, &record{
		Collection: collSessions,
		ID:         sess.ID,
		Tag:        string(sess.Status),
		Seq:        sess.CreatedAt.UnixMicro(),
		Data:       data,
	})
}

func (s *RecordStore) GetSession(ctx context.Context, id string) (*AutonomousSession, error) {
	rec, err := s.b.get(ctx, collSessions, id)
	if err != nil {
		return nil, err
	}
	return decode[AutonomousSession](rec)
}

func (s *RecordStore) UpdateSession(ctx context.Context, sess *AutonomousSession) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidInput
	}
	expected := sess.Version
	prevUpdated := sess.UpdatedAt
	sess.Version = expected + 1
	sess.UpdatedAt = time.Now().UTC()

	data, err := encode(sess)
	if err == nil {
		err = s.b.put(ctx, &record{
			Collection: collSessions,
			ID:         sess.ID,
			Tag:        string(sess.Status),
			Seq:        sess.CreatedAt.UnixMicro(),
			Data:       data,
		}, expected)
	}
	if err != nil {
		sess.Version = expected
		sess.UpdatedAt = prevUpdated
		return err
	}
	return nil
}

func (s *RecordStore) SaveSessionIteration(ctx context.Context, it *AutonomousIteration) error {
	if it == nil || it.SessionID == "" || it.Number < 1 {
		return ErrInvalidInput
	}
	now := time.Now().UTC()
	if it.StartedAt.IsZero() {
		it.StartedAt = now
	}
	it.UpdatedAt = now
	data, err := encode(it)
	if err != nil {
		return err
	}
	return s.b.put(ctx, &record{
		Collection: collSessionIterations,
		ID:         numberKey(it.SessionID, it.Number),
		Parent:     it.SessionID,
		Tag:        string(it.Phase),
		Seq:        int64(it.Number),
		Data:       data,
	}, 0)
}

func (s *RecordStore) GetSessionIteration(ctx context.Context, sessionID string, number int) (*AutonomousIteration, error) {
	rec, err := s.b.get(ctx, collSessionIterations, numberKey(sessionID, number))
	if err != nil {
		return nil, err
	}
	return decode[AutonomousIteration](rec)
}

func (s *RecordStore) ListSessionIterations(ctx context.Context, sessionID string) ([]*AutonomousIteration, error) {
	recs, err := s.b.list(ctx, collSessionIterations, sessionID)
	if err != nil {
		return nil, err
	}
	return decodeAll[AutonomousIteration](recs)
}

// =============================================================================
// Observations
// =============================================================================

func (s *RecordStore) AddObservation(ctx context.Context, obs *Observation) error {
	if obs == nil || obs.SessionID == "" {
		return ErrInvalidInput
	}
	if obs.ID == "" {
		obs.ID = uuid.New().String()
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}
	n, err := s.b.count(ctx, collObservations, obs.SessionID)
	if err != nil {
		return err
	}
	data, err := encode(obs)
	if err != nil {
		return err
	}
	return s.b.create(ctx, &record{
		Collection: collObservations,
		ID:         obs.ID,
		Parent:     obs.SessionID,
		Tag:        string(obs.Type),
		Seq:        int64(n + 1),
		Data:       data,
	})
}

func (s *RecordStore) ListObservations(ctx context.Context, sessionID string, limit int) ([]*Observation, error) {
	recs, err := s.b.list(ctx, collObservations, sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return decodeAll[Observation](recs)
}
