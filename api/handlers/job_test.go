package handlers

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/autonomous"
	"github.com/BaSui01/agentjobs/agent/longrunning"
	"github.com/BaSui01/agentjobs/agent/orchestrator"
	"github.com/BaSui01/agentjobs/agent/persistence"
	"github.com/BaSui01/agentjobs/agent/streaming"
	"github.com/BaSui01/agentjobs/internal/eventbus"
	"github.com/BaSui01/agentjobs/internal/queue"
	"github.com/BaSui01/agentjobs/llm"
	"github.com/BaSui01/agentjobs/testutil/mocks"
	"github.com/BaSui01/agentjobs/types"
)

// =============================================================================
// 🧪 测试夹具：真实的控制面 + 内存后端
// =============================================================================

type apiFixture struct {
	svc   *orchestrator.Service
	queue *queue.MemoryQueue
	mux   *http.ServeMux
}

func newAPIFixture(t *testing.T, evaluator *mocks.MockProvider) *apiFixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.DefaultConfig(), zap.NewNop())
	bus := eventbus.NewMemoryBus(64, zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	streamer := mocks.NewMockStreamer(mocks.TextTurn("all done", &llm.ChatUsage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16}))
	engine, err := longrunning.NewEngine(store, q, streamer, longrunning.DefaultConfig(), zap.NewNop(), longrunning.WithPublisher(bus))
	require.NoError(t, err)

	var ctrl *autonomous.Controller
	if evaluator != nil {
		ctrl, err = autonomous.NewController(store, evaluator, engine, q, autonomous.DefaultConfig(), zap.NewNop(), autonomous.WithPublisher(bus))
		require.NoError(t, err)
	}
	svc, err := orchestrator.NewService(store, q, engine, ctrl, zap.NewNop(), orchestrator.WithBus(bus))
	require.NoError(t, err)

	mux := http.NewServeMux()
	Routes{
		Jobs:     NewJobHandler(svc, zap.NewNop(), WithHeartbeat(50*time.Millisecond)),
		Sessions: NewSessionHandler(svc, zap.NewNop()),
		Queue:    NewQueueHandler(svc, zap.NewNop()),
	}.Register(mux)
	return &apiFixture{svc: svc, queue: q, mux: mux}
}

// drain 在当前 goroutine 中处理队列直到为空
func (f *apiFixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		d, err := f.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		require.NoError(t, err)
		if err := f.svc.Handle(ctx, d.Message); err != nil {
			require.NoError(t, f.queue.Park(ctx, d, err))
			continue
		}
		require.NoError(t, f.queue.Ack(ctx, d))
	}
}

func (f *apiFixture) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if r.Body != nil && r.Body != http.NoBody {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func (f *apiFixture) submit(t *testing.T, body string) *persistence.Job {
	t.Helper()
	w := f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var job persistence.Job
	decodeData(t, decodeResponse(t, w), &job)
	return &job
}

// =============================================================================
// 🧪 任务接口
// =============================================================================

func TestJobHandler_SubmitAndComplete(t *testing.T) {
	f := newAPIFixture(t, nil)

	job := f.submit(t, `{"userId":"u1","goal":"summarize the release notes","orchestrate":false}`)
	assert.Equal(t, persistence.JobPending, job.Status)
	assert.Equal(t, "u1", job.UserID)
	assert.NotEmpty(t, job.ThreadID)

	f.drain(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got persistence.Job
	decodeData(t, decodeResponse(t, w), &got)
	assert.Equal(t, persistence.JobCompleted, got.Status)
	assert.Equal(t, 1, got.CurrentIteration)
	assert.Equal(t, 16, got.TokenUsage.TotalTokens)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/iterations", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var its []persistence.Iteration
	decodeData(t, decodeResponse(t, w), &its)
	require.Len(t, its, 1)
	assert.Equal(t, 1, its[0].Number)
	assert.Equal(t, 16, its[0].TotalTokens)
}

func TestJobHandler_SubmitValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
		wantCode    types.ErrorCode
	}{
		{"empty goal", `{"goal":"   "}`, "application/json", http.StatusBadRequest, types.ErrInvalidRequest},
		{"negative max iterations", `{"goal":"x","maxIterations":-1}`, "application/json", http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown field", `{"goal":"x","priority":1}`, "application/json", http.StatusBadRequest, types.ErrInvalidRequest},
		{"wrong content type", `{"goal":"x"}`, "text/plain", http.StatusUnsupportedMediaType, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			f.mux.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
}

func TestJobHandler_NotFound(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, path := range []string{"/api/v1/jobs/missing", "/api/v1/jobs/missing/iterations"} {
		w := f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		resp := decodeResponse(t, w)
		require.NotNil(t, resp.Error)
		assert.Equal(t, string(types.ErrJobNotFound), resp.Error.Code)
	}
}

func TestJobHandler_PauseResumeCancel(t *testing.T) {
	f := newAPIFixture(t, nil)
	job := f.submit(t, `{"goal":"long research task"}`)

	w := f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID+"/pause", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paused persistence.Job
	decodeData(t, decodeResponse(t, w), &paused)
	assert.Equal(t, persistence.JobPaused, paused.Status)
	assert.Equal(t, orchestrator.ReasonPaused, paused.StopReason)

	// 暂停会移除排队中的步骤
	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Ready+stats.Delayed)

	w = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID+"/resume", nil))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resumed ResumeResult
	decodeData(t, decodeResponse(t, w), &resumed)
	assert.Equal(t, job.ID, resumed.JobID)
	assert.Equal(t, 1, resumed.StepIndex)

	w = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled persistence.Job
	decodeData(t, decodeResponse(t, w), &cancelled)
	assert.Equal(t, persistence.JobFailed, cancelled.Status)
	assert.Equal(t, orchestrator.ReasonCancelled, cancelled.LastError)

	w = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrInvalidTransition), resp.Error.Code)
}

func TestJobHandler_OwnerScoping(t *testing.T) {
	f := newAPIFixture(t, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"userId":"spoofed","goal":"mine"}`))
	r = r.WithContext(types.WithUserID(r.Context(), "alice"))
	w := f.do(t, r)
	require.Equal(t, http.StatusAccepted, w.Code)
	var job persistence.Job
	decodeData(t, decodeResponse(t, w), &job)
	assert.Equal(t, "alice", job.UserID)
	f.submit(t, `{"userId":"bob","goal":"theirs"}`)

	r = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	w = f.do(t, r.WithContext(types.WithUserID(r.Context(), "mallory")))
	assert.Equal(t, http.StatusNotFound, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w = f.do(t, r.WithContext(types.WithUserID(r.Context(), "alice")))
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []persistence.Job
	decodeData(t, decodeResponse(t, w), &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func TestJobHandler_ListByStatus(t *testing.T) {
	f := newAPIFixture(t, nil)
	done := f.submit(t, `{"goal":"first"}`)
	f.drain(t)
	pending := f.submit(t, `{"goal":"second"}`)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=pending", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []persistence.Job
	decodeData(t, decodeResponse(t, w), &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, pending.ID, jobs[0].ID)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=completed&status=failed", nil))
	decodeData(t, decodeResponse(t, w), &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, done.ID, jobs[0].ID)
}

// =============================================================================
// 🧪 进度推送
// =============================================================================

// readSSE 读取 data 帧直到 [DONE]
func readSSE(t *testing.T, resp *http.Response) ([]streaming.Event, bool) {
	t.Helper()
	var events []streaming.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return events, true
		}
		ev, err := streaming.DecodeEvent([]byte(payload))
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events, false
}

func TestJobHandler_EventsSSE(t *testing.T) {
	f := newAPIFixture(t, nil)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	job := f.submit(t, `{"goal":"stream me"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/jobs/"+job.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// 响应头返回时订阅已建立
	f.drain(t)

	events, done := readSSE(t, resp)
	require.True(t, done)
	require.NotEmpty(t, events)

	var text strings.Builder
	for _, ev := range events {
		assert.Equal(t, job.ID, ev.JobID)
		if ev.Type == streaming.EventTextDelta {
			text.WriteString(ev.TextDelta)
		}
	}
	assert.Equal(t, "all done", text.String())
	last := events[len(events)-1]
	assert.Equal(t, streaming.EventJobComplete, last.Type)
	assert.Equal(t, string(persistence.JobCompleted), last.Status)
}

func TestJobHandler_EventsSSE_TerminalJob(t *testing.T) {
	f := newAPIFixture(t, nil)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	job := f.submit(t, `{"goal":"already done"}`)
	f.drain(t)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	events, done := readSSE(t, resp)
	require.True(t, done)
	require.Len(t, events, 1)
	assert.Equal(t, streaming.EventJobComplete, events[0].Type)
	assert.Equal(t, 16, events[0].Usage.TotalTokens)
}

func TestJobHandler_WebSocket(t *testing.T) {
	f := newAPIFixture(t, nil)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	job := f.submit(t, `{"goal":"socket"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/jobs/"+job.ID+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// Dial 返回时 handler 已完成订阅
	f.drain(t)

	var last streaming.Event
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		last, err = streaming.DecodeEvent(data)
		require.NoError(t, err)
	}
	assert.Equal(t, streaming.EventJobComplete, last.Type)
	assert.Equal(t, job.ID, last.JobID)
}
