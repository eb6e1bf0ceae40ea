package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentjobs/types"
)

func TestMessageBuilder_MergesTextAndTools(t *testing.T) {
	b := NewMessageBuilder("m1")
	b.Apply(Event{Type: EventMessageStart})
	b.Apply(Event{Type: EventTextDelta, TextDelta: "Hel"})
	b.Apply(Event{Type: EventToolCall, ToolCall: &ToolCallInfo{ID: "c1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)}})
	b.Apply(Event{Type: EventTextDelta, TextDelta: "lo"})
	assert.Equal(t, 1, b.PendingToolCalls())

	b.Apply(Event{Type: EventToolResult, ToolResult: &ToolResultInfo{ID: "c1", Name: "search", Output: json.RawMessage(`"found"`)}})
	assert.Equal(t, 0, b.PendingToolCalls())

	msg := b.Message()
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, "Hello", msg.Text())
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, types.PartText, msg.Parts[0].Type)
	assert.Equal(t, "Hello", msg.Parts[0].Text)
	assert.Equal(t, types.ToolStateOutputAvailable, msg.Parts[1].State)
	assert.JSONEq(t, `{"q":"go"}`, string(msg.Parts[1].Input))
}

func TestMessageBuilder_ErrorAndOrphanResults(t *testing.T) {
	b := NewMessageBuilder("m2")
	b.Apply(Event{Type: EventToolCall, ToolCall: &ToolCallInfo{ID: "c1", Name: "fetch"}})
	b.Apply(Event{Type: EventToolResult, ToolResult: &ToolResultInfo{ID: "c1", Error: "timeout"}})
	b.Apply(Event{Type: EventToolResult, ToolResult: &ToolResultInfo{ID: "c9", Name: "late", Output: json.RawMessage(`1`)}})

	msg := b.Message()
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, types.ToolStateOutputError, msg.Parts[0].State)
	assert.Equal(t, "timeout", msg.Parts[0].ErrorText)
	assert.JSONEq(t, `{}`, string(msg.Parts[0].Input))

	assert.Equal(t, "c9", msg.Parts[1].ToolCallID)
	assert.Equal(t, types.ToolStateOutputAvailable, msg.Parts[1].State)

	flat := msg.Flatten()
	require.Len(t, flat, 3)
	assert.Len(t, flat[0].ToolCalls, 2)
	assert.Equal(t, "Error: timeout", flat[1].Content)
}

func TestEvent_EncodeDecode(t *testing.T) {
	ev := Event{Type: EventStatusUpdate, JobID: "j1", Iteration: 3, Status: "running"}
	data, err := ev.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"jobId":"j1"`)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventStatusUpdate, got.Type)
	assert.False(t, got.Timestamp.IsZero())
	assert.False(t, got.Terminal())
	assert.True(t, Event{Type: EventJobComplete}.Terminal())
}

func TestSSESink_Forward(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	require.NoError(t, err)

	events := make(chan Event, 4)
	events <- Event{Type: EventTextDelta, JobID: "j1", TextDelta: "hi"}
	events <- Event{Type: EventJobComplete, JobID: "j1", Status: "completed"}
	events <- Event{Type: EventTextDelta, JobID: "j1", TextDelta: "ignored"}

	require.NoError(t, Forward(context.Background(), sink, events))

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, 2, strings.Count(body, `"jobId":"j1"`))
	assert.NotContains(t, body, "ignored")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	assert.ErrorIs(t, sink.Write([]byte("x")), ErrSinkClosed)
	assert.NoError(t, sink.End())
}

func TestForward_ContextCancelled(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Forward(ctx, sink, make(chan Event))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestForward_ClosedChannelEnds(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	require.NoError(t, err)

	events := make(chan Event)
	close(events)
	require.NoError(t, Forward(context.Background(), sink, events))
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestWebSocketSink_Forward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sink := NewWebSocketSink(conn, time.Second)
		events := make(chan Event, 2)
		events <- Event{Type: EventTextDelta, JobID: "ws", TextDelta: "a"}
		events <- Event{Type: EventJobComplete, JobID: "ws"}
		_ = Forward(r.Context(), sink, events)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var got []Event
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		ev, err := DecodeEvent(data)
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, EventTextDelta, got[0].Type)
	assert.Equal(t, EventJobComplete, got[1].Type)
}
