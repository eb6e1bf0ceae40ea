// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 longrunning 实现长时任务的迭代引擎。

# 概述

一个 Job 被拆分为若干次模型回合（Iteration），每次回合由队列中的一条
步骤消息驱动。Engine.ProcessStep 执行一个回合：评估是否继续、选择计划
步骤、检查上下文预算、流式调用模型并发布进度事件、记录 token 用量、
持久化迭代与消息，最后入队下一步或把任务标记为终态。

# 状态机

	pending → running → {completed | failed | paused}

暂停与取消只修改任务状态并移除队列中尚未出队的消息，
在下一个续接边界生效。

# 可靠性

  - 迭代编号从 1 开始连续，重复投递不会重复记录已完成的迭代
  - 每 K 次迭代（默认 5）以及出现中间结果时保存检查点
  - Resume 从最近检查点的下一步继续，并恢复检查点的消息快照
  - 上下文超限时强制摘要后重试一次
  - 工具调用重试耗尽时当前步骤标记为失败，任务重试计数加一后继续，
    超过上限（默认 5）时任务失败
  - 任务记录使用版本号做乐观并发控制，与用户的暂停/取消不会互相覆盖
*/
package longrunning
