// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package orchestrator 是任务引擎的控制面。

Service 负责提交任务与自主会话、暂停、继续、取消以及状态查询，
并作为 worker.Handler 按任务模式把步骤消息分发给迭代引擎或自主
循环控制器。所有组件在 cmd 中显式构造后传入，不存在包级单例。
*/
package orchestrator
