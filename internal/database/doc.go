// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 打开 database 存储后端使用的 GORM 连接并管理连接池。

# 概述

Open 按 config.DatabaseConfig 的驱动选择方言：postgres、mysql 与
sqlite（github.com/glebarez/sqlite，纯 Go）。PoolManager 设置连接池
参数，后台定期 Ping 并通过 Recorder 上报打开与空闲连接数，
Ping 同时供 /ready 探针使用。

# 核心类型

  - PoolManager：连接池管理器，提供 DB/Ping/GetStats/Close。
  - PoolConfig：最大连接、空闲连接、生命周期与健康检查间隔。
  - Recorder：连接数指标接收方，由 metrics.Collector 实现。
*/
package database
