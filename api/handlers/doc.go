// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 agentjobs HTTP API 的请求处理器实现。

# 概述

handlers 包把任务控制面（orchestrator.Service）暴露为 REST 接口，
并通过 SSE 与 WebSocket 推送任务进度事件。所有 Handler 均遵循
标准 net/http 接口，路由使用 Go 1.22 的方法 + 路径模式。

# 核心类型

  - JobHandler      — 任务提交、查询、暂停/恢复/取消、迭代列表、进度流
  - SessionHandler  — 自主会话提交、查询与观察记录
  - QueueHandler    — 失败消息查看、重试与队列统计
  - HealthHandler   — /health、/ready、/version
  - Routes          — 统一注册 /api/v1 路由
  - Response        — 统一 JSON 响应结构（success + data + error + timestamp）

# 错误映射

服务层错误经 WriteServiceError 转为 types.Error：显式 HTTPStatus 优先，
否则按 ErrorCode 映射（JOB_NOT_FOUND → 404，INVALID_TRANSITION → 409，
QUEUE_UNAVAILABLE → 503 等）；存储与队列的哨兵错误也会被识别。

# 用户隔离

请求上下文中带有用户 ID（由认证中间件写入）时，提交以该用户为准，
查询只返回该用户的任务与会话，其余一律按不存在处理。
*/
package handlers
