// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 streaming 定义面向客户端的进度事件协议与推送通道。

# 事件协议

Event 为带类型的记录：message-start、text-delta、tool-call、tool-result、
message-complete、status-update、job-complete。每条事件携带任务 ID、
消息 ID 与迭代编号。客户端按顺序累积 text-delta 并跟踪工具调用状态
（input-available → output-available）即可还原完整消息，MessageBuilder
实现了这一过程，引擎自身也用它组装助手消息。

# 推送通道

Sink 只有 Write 与 End 两个方法，SSESink 与 WebSocketSink 分别直接
基于 http.ResponseWriter 与 coder/websocket 实现，Forward 把事件流
写入任意 Sink。
*/
package streaming
