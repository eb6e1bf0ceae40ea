package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentjobs/llm"
)

// TestContext 返回随测试结束取消的 context
func TestContext(t *testing.T) context.Context {
	t.Helper()
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带超时的 context
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventuallyTrue 轮询直到条件成立，超时则失败
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	if !WaitFor(condition, timeout) {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// WaitFor 轮询等待条件成立
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

// CollectEvents 读取事件直到通道关闭
func CollectEvents(ch <-chan llm.StreamEvent) []llm.StreamEvent {
	var out []llm.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}
