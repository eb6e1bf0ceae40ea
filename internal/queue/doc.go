// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 queue 提供持久化的步骤消息队列，至少一次投递。

# 概述

每条 StepMessage 以 jobID:stepIndex 为消息键。同一个键在队列中最多存在
一份；出队时以 SET NX PX 加租约锁，保证同一任务的同一步骤同一时刻只被
一个 worker 处理。租约过期的消息会被重新投递。

# 失败处理

  - Nack: 按指数退避（默认 2s 起，乘数 2）重新调度，达到 MaxAttempts 后
    转入失败集合
  - Park: 致命错误直接转入失败集合
  - Failed / Retry: 运维查看失败集合并重新入队

消息从不静默丢弃。

# 后端

  - RedisQueue: 调度 ZSET + 负载 HASH + 租约锁 + 失败 HASH，Lua 脚本保证原子性
  - MemoryQueue: 单进程开发与测试
*/
package queue
