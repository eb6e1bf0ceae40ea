// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentJobs 服务端程序入口。

# 概述

cmd/agentjobs 把存储、步骤队列、事件总线、迭代引擎、自主循环控制器
与编排服务组装成一个进程，对外提供 HTTP API（任务、会话、失败消息），
对内运行消费步骤队列的 worker 池。

# 核心类型

  - App         — 持有全部组件，按依赖顺序启动，按逆序关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（API + worker）、worker（仅 worker）、migrate、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、RequestLogger、
    MetricsMiddleware、CORS、Authenticate（X-API-Key 或 JWT Bearer）、RateLimiter
  - 启动恢复：消费前重新入队中断的任务与自主会话
  - 配置热重载：监听配置文件，日志级别即时生效
  - 优雅关闭：关闭 HTTP → 排空 worker → 停止后台任务 → 释放连接 → 关闭遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
