// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、任务迭代、
工具调用、上下文摘要、自主循环、队列与数据库。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器，同时满足迭代引擎、自主循环控制器与
    worker 池的指标接口，在 cmd 中构造后注入。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 迭代指标：按模型统计迭代次数、耗时、prompt/completion Token 与成本。
  - 工具与摘要：工具调用结果与重试次数，摘要次数与节省的 Token。
  - 自主循环：各阶段耗时与会话结束状态。
  - 队列：消息处理结果、处理耗时与各状态深度。
  - 数据库：活跃/空闲连接数 Gauge、查询耗时 Histogram。
*/
package metrics
