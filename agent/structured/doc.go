// Copyright 2026 AgentFlow Authors
// Use of this source code is governed by the project license.

/*
包 structured 为模型输出提供 JSON Schema 校验。

任务分解、目标评估与行动规划都要求模型返回结构化 JSON。
本包负责从模型响应中提取 JSON、按 Schema 校验并解析为 Go 类型；
校验失败时由调用方回退到安全默认值。

# 核心类型

  - JSONSchema: Schema 定义与构建器（NewObjectSchema、AddProperty 等）
  - DefaultValidator: 递归校验 type / enum / required / 数值与长度约束
  - Parse / Generate: 提取、校验、解析一体化
*/
package structured
