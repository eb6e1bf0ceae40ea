// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供可被智能体作为工具调用的预定义工作流。

# 概述

工作流是固定的步骤序列，结果可预测。注册到 Registry 后，
llm/tools 以 workflow 类型的能力将其暴露给模型。

# 核心接口与类型

  - Runnable         — 通用执行接口 Execute(ctx, input) (output, error)
  - Workflow         — 工作流接口（Runnable + Name + Description）
  - ChainWorkflow    — 顺序链式工作流，前一步输出作为下一步输入
  - ParallelWorkflow — 并行执行任务后聚合结果
  - Registry         — 按名称查找工作流
*/
package workflow
