// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package planning 负责把用户目标分解为有序的执行计划。

Decomposer 提供两个能力：

  - ShouldOrchestrate：由模型判断请求是否需要多步编排
  - DecomposeGoal：生成经过 JSON Schema 校验的子任务列表

模型输出无法解析或校验失败时，两者都返回安全的默认值：
不编排，或把原始目标作为唯一步骤的回退计划。
*/
package planning
