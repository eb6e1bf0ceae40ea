// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 context 管理长任务的上下文预算，并在接近窗口上限时主动摘要。

# 核心模型

  - Budget：按模型查询上下文窗口大小（模型表 → 提供商前缀默认值 →
    128000），并根据累计 token 与比例阈值（默认 0.8）判断是否需要摘要
  - Summarizer：保留最近两组完整的 user/assistant 对话原文，
    其余消息通过一次模型调用压缩为一条合成消息
    "Previous conversation summary (N messages): ..."
  - Manager：组合 Budget 与 Summarizer，为一次回合准备消息列表

# 失败策略

摘要失败时返回原始消息（fail-open），错误记录在 Result.Err 中，
由调用方决定是否继续。system 消息始终保持在最前面。
*/
package context
