// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供长时运行任务引擎的持久化存储抽象及多后端实现。

# 概述

引擎的全部状态（任务、迭代、检查点、上下文摘要、自主会话、观察记录、
会话消息）都通过 Store 接口持久化。上层只依赖接口，后端可在内存、
Redis 与关系型数据库（GORM）之间切换。

# 核心接口

  - Store: 聚合 JobStore、IterationStore、CheckpointStore、SummaryStore、
    ToolCallStore、ThreadStore、SessionStore、ObservationStore。
  - backend: 记录级存储（create/get/update/list），三种实现共享同一套
    类型化逻辑。

# 并发控制

Job 与 AutonomousSession 带有 Version 字段。UpdateJob / UpdateSession
比较版本后写入，版本不一致返回 ErrConflict，调用方重新读取后重试。

# 不变量

  - 迭代编号从 1 开始连续，CreateIteration 拒绝跳号与重复
  - 检查点按 StepIndex 单调递增，同一步骤重复保存时覆盖
  - 观察记录按创建时间排序
*/
package persistence
