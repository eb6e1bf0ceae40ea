// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 agentjobs 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout，自动注册 Cleanup
  - 异步断言: AssertEventuallyTrue / WaitFor，超时轮询等待条件满足
  - 流式辅助: CollectEvents

子包 mocks 提供脚本化的 Provider 与 TurnStreamer。
*/
package testutil
