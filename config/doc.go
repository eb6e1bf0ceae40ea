// Package config 提供 AgentJobs 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序加载，环境变量
// 前缀默认为 AGENTJOBS，嵌套字段以下划线连接，例如
// AGENTJOBS_QUEUE_MAX_ATTEMPTS。各组件的配置结构体直接嵌入
// Config，默认值来自组件包自身。
//
// Watcher 监听配置文件变更并重新加载，目前仅用于运行时调整日志级别。
package config
