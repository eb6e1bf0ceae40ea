package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/types"
)

func newTestBackends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	gs, err := NewGormStore(db, true)
	require.NoError(t, err)

	return map[string]Store{
		"memory":   NewMemoryStore(),
		"redis":    NewRedisStore(rdb, "test:"),
		"database": gs,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range newTestBackends(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func TestStore_Jobs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Ping(ctx))

		job := &Job{
			UserID: "u1",
			Mode:   ModeStandard,
			Goal:   "collect data",
			Status: JobPending,
			Plan: []planning.Subtask{
				{ID: "s1", Description: "fetch", Type: planning.StepToolCall, Status: planning.StepPending},
			},
		}
		require.NoError(t, s.CreateJob(ctx, job))
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, int64(1), job.Version)
		assert.ErrorIs(t, s.CreateJob(ctx, job), ErrAlreadyExists)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "collect data", got.Goal)
		assert.Len(t, got.Plan, 1)

		got.Status = JobRunning
		require.NoError(t, s.UpdateJob(ctx, got))
		assert.Equal(t, int64(2), got.Version)

		// stale copy loses
		job.Status = JobPaused
		assert.ErrorIs(t, s.UpdateJob(ctx, job), ErrConflict)
		assert.Equal(t, int64(1), job.Version)

		_, err = s.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateJob(ctx, &Job{ID: "missing", Version: 1}), ErrNotFound)

		other := &Job{UserID: "u2", Mode: ModeAutonomous, Status: JobPending}
		require.NoError(t, s.CreateJob(ctx, other))

		running, err := s.ListJobs(ctx, JobFilter{Status: []JobStatus{JobRunning}})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, job.ID, running[0].ID)

		byUser, err := s.ListJobs(ctx, JobFilter{UserID: "u2"})
		require.NoError(t, err)
		require.Len(t, byUser, 1)
		assert.Equal(t, ModeAutonomous, byUser[0].Mode)

		all, err := s.ListJobs(ctx, JobFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStore_IterationsAreContiguous(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for n := 1; n <= 12; n++ {
			require.NoError(t, s.CreateIteration(ctx, &Iteration{JobID: "j1", Number: n, InputTokens: n}))
		}
		assert.ErrorIs(t, s.CreateIteration(ctx, &Iteration{JobID: "j1", Number: 3}), ErrAlreadyExists)
		assert.ErrorIs(t, s.CreateIteration(ctx, &Iteration{JobID: "j1", Number: 14}), ErrInvalidInput)
		assert.ErrorIs(t, s.CreateIteration(ctx, &Iteration{JobID: "j2", Number: 2}), ErrInvalidInput)

		its, err := s.ListIterations(ctx, "j1")
		require.NoError(t, err)
		require.Len(t, its, 12)
		for i, it := range its {
			assert.Equal(t, i+1, it.Number)
		}

		it, err := s.GetIteration(ctx, "j1", 4)
		require.NoError(t, err)
		it.OutputTokens = 7
		it.Message = &types.Message{Role: types.RoleAssistant, Content: "done"}
		require.NoError(t, s.UpdateIteration(ctx, it))

		it, err = s.GetIteration(ctx, "j1", 4)
		require.NoError(t, err)
		assert.Equal(t, 7, it.OutputTokens)
		assert.Equal(t, "done", it.Message.Content)

		assert.ErrorIs(t, s.UpdateIteration(ctx, &Iteration{JobID: "j1", Number: 40}), ErrNotFound)
	})
}

func TestStore_Checkpoints(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.LatestCheckpoint(ctx, "j1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{JobID: "j1", StepIndex: 5, State: json.RawMessage(`{"a":1}`)}))
		require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{JobID: "j1", StepIndex: 10}))
		require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
			JobID:     "j1",
			StepIndex: 10,
			Messages:  []types.Message{types.NewUserMessage("hi")},
		}))
		assert.ErrorIs(t, s.SaveCheckpoint(ctx, &Checkpoint{JobID: "j1", StepIndex: 3}), ErrInvalidInput)

		latest, err := s.LatestCheckpoint(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, 10, latest.StepIndex)
		assert.Len(t, latest.Messages, 1)

		list, err := s.ListCheckpoints(ctx, "j1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 5, list[0].StepIndex)
		assert.JSONEq(t, `{"a":1}`, string(list[0].State))
	})
}

func TestStore_SummariesAndToolCalls(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		sum := &ContextSummary{JobID: "j1", Iteration: 2, Summary: "short", MessagesSummarized: 8, TokenCountBefore: 900, TokenCountAfter: 100}
		require.NoError(t, s.SaveSummary(ctx, sum))
		got, err := s.GetSummary(ctx, sum.ID)
		require.NoError(t, err)
		assert.Equal(t, 8, got.MessagesSummarized)

		sums, err := s.ListSummaries(ctx, "j1")
		require.NoError(t, err)
		assert.Len(t, sums, 1)

		require.NoError(t, s.AppendToolCalls(ctx, "j1",
			ToolCallRecord{Iteration: 1, ToolCallID: "c1", Name: "search"},
			ToolCallRecord{Iteration: 1, ToolCallID: "c2", Name: "fetch", Error: "boom"},
		))
		require.NoError(t, s.AppendToolCalls(ctx, "j1", ToolCallRecord{Iteration: 2, ToolCallID: "c3", Name: "search"}))

		calls, err := s.ListToolCalls(ctx, "j1")
		require.NoError(t, err)
		require.Len(t, calls, 3)
		assert.Equal(t, []string{"c1", "c2", "c3"}, []string{calls[0].ToolCallID, calls[1].ToolCallID, calls[2].ToolCallID})
		assert.Equal(t, "j1", calls[2].JobID)
	})
}

func TestStore_Messages(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.AppendMessages(ctx, "t1", types.NewUserMessage("q1"), types.NewAssistantMessage("a1")))
		require.NoError(t, s.AppendMessages(ctx, "t1", types.NewUserMessage("q2")))

		msgs, err := s.LoadMessages(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "q2", msgs[2].Content)

		require.NoError(t, s.ReplaceMessages(ctx, "t1", []types.Message{types.NewUserMessage("q1")}))
		msgs, err = s.LoadMessages(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "q1", msgs[0].Content)

		empty, err := s.LoadMessages(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_Sessions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		sess := &AutonomousSession{ID: "s1", Goal: "ship it", MaxIterations: 5, Status: SessionPlanning}
		require.NoError(t, s.CreateSession(ctx, sess))

		stale := *sess
		sess.Status = SessionExecuting
		require.NoError(t, s.UpdateSession(ctx, sess))
		stale.Status = SessionPaused
		assert.ErrorIs(t, s.UpdateSession(ctx, &stale), ErrConflict)

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, SessionExecuting, got.Status)

		it := &AutonomousIteration{SessionID: "s1", Number: 1, Phase: PhaseEvaluating}
		require.NoError(t, s.SaveSessionIteration(ctx, it))
		it.Phase = PhasePlanning
		it.Evaluation = &Evaluation{ProgressPercentage: 30, ShouldContinue: true}
		require.NoError(t, s.SaveSessionIteration(ctx, it))

		loaded, err := s.GetSessionIteration(ctx, "s1", 1)
		require.NoError(t, err)
		assert.Equal(t, PhasePlanning, loaded.Phase)
		assert.Equal(t, 30, loaded.Evaluation.ProgressPercentage)

		list, err := s.ListSessionIterations(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestStore_ObservationsWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 1; i <= 15; i++ {
			require.NoError(t, s.AddObservation(ctx, &Observation{
				SessionID: "s1",
				Iteration: i,
				Type:      ObservationExecution,
				Content:   fmt.Sprintf("obs-%d", i),
			}))
		}

		last, err := s.ListObservations(ctx, "s1", 10)
		require.NoError(t, err)
		require.Len(t, last, 10)
		assert.Equal(t, "obs-6", last[0].Content)
		assert.Equal(t, "obs-15", last[9].Content)

		all, err := s.ListObservations(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Len(t, all, 15)
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
	assert.ErrorIs(t, s.CreateJob(context.Background(), &Job{}), ErrStoreClosed)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(DefaultStoreConfig(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = NewStore(StoreConfig{Type: StoreTypeRedis}, nil, nil)
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: StoreTypeDatabase}, nil, nil)
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: "file"}, nil, nil)
	assert.Error(t, err)
}
