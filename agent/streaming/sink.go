package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Sink 推送通道的最小能力接口
type Sink interface {
	Write(data []byte) error
	End() error
}

// ErrSinkClosed 通道已结束
var ErrSinkClosed = errors.New("sink closed")

// =============================================================================
// SSE
// =============================================================================

// SSESink 基于 http.ResponseWriter 的 Server-Sent Events 通道
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	ended   bool
}

// NewSSESink 写入 SSE 响应头。ResponseWriter 必须支持 Flush。
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSESink{w: w, flusher: flusher}, nil
}

// Write 以一个 data 帧发送
func (s *SSESink) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSinkClosed
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment 发送注释帧用于保活
func (s *SSESink) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSinkClosed
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// End 发送结束标记
func (s *SSESink) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	if _, err := s.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// =============================================================================
// WebSocket
// =============================================================================

// WebSocketSink 基于 coder/websocket 的通道。
// 写操作通过 mutex 保护，因为 WebSocket 不支持并发写。
type WebSocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	ended        bool
}

// NewWebSocketSink wraps an accepted connection.
func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

// Write 以文本帧发送
func (s *WebSocketSink) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSinkClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// End 正常关闭连接
func (s *WebSocketSink) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	return s.conn.Close(websocket.StatusNormalClosure, "stream complete")
}

// =============================================================================
// Forward
// =============================================================================

// Forward 把事件逐条写入 sink，直到收到 job-complete、通道关闭或 ctx 取消。
// 正常结束时调用 End。
func Forward(ctx context.Context, sink Sink, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return sink.End()
			}
			data, err := ev.Encode()
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			if err := sink.Write(data); err != nil {
				return err
			}
			if ev.Terminal() {
				return sink.End()
			}
		}
	}
}
