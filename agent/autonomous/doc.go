// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package autonomous 实现目标驱动的自主循环。

每次迭代依次经过四个阶段，每个阶段完成后立即持久化：

	evaluating → planning → executing → observing

评估阶段根据最近的观察记录判断目标是否达成；规划阶段给出下一步
行动；执行阶段通过迭代引擎运行一个完整的工具回合；观察阶段记录
结果。进程崩溃后从已持久化的阶段继续，不会重复已完成的阶段。

会话在目标达成、评估建议停止、达到迭代上限或执行结果要求人工介入
（错误中带有 NEEDS_HUMAN_INPUT 标记）时停止。
*/
package autonomous
