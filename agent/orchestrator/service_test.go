package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/autonomous"
	"github.com/BaSui01/agentjobs/agent/longrunning"
	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/planning"
	"github.com/BaSui01/agentjobs/agent/streaming"
	"github.com/BaSui01/agentjobs/internal/eventbus"
	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/testutil/mocks"
	"github.com/BaSui01/agentjobs/types"
)

type fixture struct {
	svc      *Service
	store    *persistence.RecordStore
	queue    *queue.MemoryQueue
	bus      *eventbus.MemoryBus
	streamer *mocks.MockStreamer
	planner  *mocks.MockProvider
}

func newFixture(t *testing.T, planner, evaluator *mocks.MockProvider) *fixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.DefaultConfig(), zap.NewNop())
	bus := eventbus.NewMemoryBus(32, zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	streamer := mocks.NewMockStreamer(mocks.TextTurn("done", &llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
	engine, err := longrunning.NewEngine(store, q, streamer, longrunning.DefaultConfig(), zap.NewNop(), longrunning.WithPublisher(bus))
	require.NoError(t, err)

	var ctrl *autonomous.Controller
	if evaluator != nil {
		ctrl, err = autonomous.NewController(store, evaluator, engine, q, autonomous.DefaultConfig(), zap.NewNop(), autonomous.WithPublisher(bus))
		require.NoError(t, err)
	}
	var opts []Option
	opts = append(opts, WithBus(bus))
	if planner != nil {
		opts = append(opts, WithDecomposer(planning.NewDecomposer(planner, planning.DefaultDecomposerConfig(), zap.NewNop())))
	}
	svc, err := NewService(store, q, engine, ctrl, zap.NewNop(), opts...)
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, queue: q, bus: bus, streamer: streamer, planner: planner}
}

func (f *fixture) drain(t *testing.T, max int) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	for ; n < max; n++ {
		d, err := f.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			return n
		}
		require.NoError(t, err)
		if err := f.svc.Handle(ctx, d.Message); err != nil {
			require.NoError(t, f.queue.Park(ctx, d, err))
			continue
		}
		require.NoError(t, f.queue.Ack(ctx, d))
	}
	return n
}

const twoSteps = `{"steps":[
	{"id":"step-1","description":"Gather sources","type":"llm-reasoning"},
	{"id":"step-2","description":"Write the summary","type":"llm-reasoning"}
]}`

func TestService_SubmitOrchestrated(t *testing.T) {
	planner := mocks.NewMockProvider().WithResponses(`{"orchestrate":true,"reason":"two phases"}`, twoSteps)
	f := newFixture(t, planner, nil)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, JobRequest{UserID: "u1", Goal: "research and summarize Go queues"})
	require.NoError(t, err)
	require.Len(t, job.Plan, 2)
	assert.Equal(t, persistence.JobPending, job.Status)
	assert.NotEmpty(t, job.ThreadID)
	assert.Len(t, planner.CompletionRequests(), 2)

	f.drain(t, 10)
	got, err := f.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobCompleted, got.Status)
	assert.Equal(t, longrunning.ReasonAllStepsCompleted, got.StopReason)
	assert.Equal(t, 2, got.CurrentIteration)
	assert.Equal(t, 30, got.TokenUsage.TotalTokens)
	assert.True(t, planning.AllDone(got.Plan))

	its, err := f.svc.Iterations(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, its, 2)
}

func TestService_SubmitSimple(t *testing.T) {
	planner := mocks.NewMockProvider().WithResponses(`{"orchestrate":false,"reason":"one answer"}`)
	f := newFixture(t, planner, nil)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, JobRequest{Goal: "what is 2+2"})
	require.NoError(t, err)
	assert.Empty(t, job.Plan)

	assert.Equal(t, 1, f.drain(t, 5))
	got, err := f.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobCompleted, got.Status)
	assert.Equal(t, longrunning.ReasonCompleted, got.StopReason)

	off := false
	_, err = f.svc.Submit(ctx, JobRequest{Goal: "another", Orchestrate: &off})
	require.NoError(t, err)
	assert.Len(t, planner.CompletionRequests(), 1)
}

func TestService_SubmitValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.svc.Submit(context.Background(), JobRequest{Goal: "   "})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	_, err = f.svc.Submit(context.Background(), JobRequest{Goal: "x", MaxIterations: -1})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	_, err = f.svc.SubmitSession(context.Background(), SessionRequest{Goal: "x"})
	assert.True(t, types.IsErrorCode(err, types.ErrServiceUnavailable))
}

func TestService_PauseAndResume(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	job, err := f.svc.Submit(ctx, JobRequest{Goal: "long task"})
	require.NoError(t, err)

	paused, err := f.svc.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobPaused, paused.Status)
	assert.Zero(t, f.drain(t, 5))

	next, err := f.svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, next)
	f.drain(t, 5)

	got, err := f.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobCompleted, got.Status)

	_, err = f.svc.Pause(ctx, job.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	_, err = f.svc.Resume(ctx, job.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
}

func TestService_CancelPublishesCompletion(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	job, err := f.svc.Submit(ctx, JobRequest{Goal: "long task"})
	require.NoError(t, err)

	events, sub, err := f.svc.Subscribe(ctx, job.ID, 8)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	got, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobFailed, got.Status)
	assert.Equal(t, ReasonCancelled, got.LastError)
	require.NotNil(t, got.CompletedAt)

	select {
	case ev := <-events:
		assert.Equal(t, streaming.EventJobComplete, ev.Type)
		assert.Equal(t, job.ID, ev.JobID)
		assert.Equal(t, string(persistence.JobFailed), ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event")
	}

	// 取消后的消息不再执行
	assert.Zero(t, f.drain(t, 5))
	assert.Zero(t, f.streamer.CallCount())

	_, err = f.svc.Cancel(ctx, job.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	_, err = f.svc.Cancel(ctx, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrJobNotFound))
	_, _, err = f.svc.Subscribe(ctx, "missing", 1)
	assert.True(t, types.IsErrorCode(err, types.ErrJobNotFound))
}

func TestService_AutonomousSession(t *testing.T) {
	evaluator := mocks.NewMockProvider().WithResponses(
		`{"goalAchieved":false,"progressPercentage":50,"blockers":[],"recommendations":[],"shouldContinue":true}`,
		`{"action":"Draft the outline","rationale":"start","expectedOutcome":"an outline"}`,
		`{"goalAchieved":true,"progressPercentage":100,"blockers":[],"recommendations":[],"shouldContinue":false}`,
	)
	f := newFixture(t, nil, evaluator)
	ctx := context.Background()

	sess, err := f.svc.SubmitSession(ctx, SessionRequest{UserID: "u1", Goal: "write an outline", MaxIterations: 5})
	require.NoError(t, err)
	assert.Equal(t, persistence.SessionPlanning, sess.Status)

	f.drain(t, 10)
	got, err := f.svc.SessionStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.SessionCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 2, got.CurrentIteration)
	assert.Equal(t, 1, f.streamer.CallCount())

	job, err := f.svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobCompleted, job.Status)
	assert.Equal(t, 15, job.TokenUsage.TotalTokens)

	obs, err := f.svc.Observations(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Len(t, obs, 4)

	_, err = f.svc.SessionStatus(ctx, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrSessionNotFound))
}

func TestService_RetryFailed(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, queue.StepMessage{JobID: "ghost", StepIndex: 1}))
	f.drain(t, 1)

	failed, err := f.svc.FailedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "ghost", failed[0].Message.JobID)

	require.NoError(t, f.svc.RetryFailed(ctx, failed[0].Key))
	stats, err := f.svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
	assert.Zero(t, stats.Failed)
}

func TestService_Recover(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	job, err := f.svc.Submit(ctx, JobRequest{Goal: "x"})
	require.NoError(t, err)
	_, err = f.queue.Remove(ctx, job.ID)
	require.NoError(t, err)

	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.drain(t, 5))
}
