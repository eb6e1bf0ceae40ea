// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentjobs 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、llm、internal、
api 等上层模块提供统一的类型契约，以避免循环依赖。

# 核心类型

  - Message / MessagePart — 对话消息，支持 text 与 tool-call 分段
  - ToolCall / ToolSchema / ToolResult — 工具调用契约
  - TokenUsage — Token 消耗统计
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithTraceID / WithUserID / WithJobID / WithWorkerID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
