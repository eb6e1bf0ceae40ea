// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供统一的大语言模型接入层。

# 概述

本包屏蔽不同模型服务商在接口、错误语义和流式协议上的差异，
对迭代引擎、摘要器与任务分解器暴露一致的请求与事件模型。

# 核心接口

  - [Provider]：单次补全 / 流式补全 / 健康检查
  - [TurnStreamer]：多步工具调用回合，产出 text-delta、tool-call、
    tool-result、finish 等类型化事件
  - [Error]：带错误码与可重试标记的模型错误，[IsContextLengthError]
    识别上下文超限
  - [ResilientProvider]：为任意 Provider 增加指数退避重试与熔断

# 子包

  - providers/openaicompat：OpenAI 兼容的 HTTP/SSE Provider
  - tools：工具能力注册、带重试的执行器与流式工具循环
  - tokenizer：Token 估算与 tiktoken 计数
  - retry：指数退避重试
  - circuitbreaker：熔断器
*/
package llm
