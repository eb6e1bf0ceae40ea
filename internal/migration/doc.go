// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 database 存储后端的表结构，基于 golang-migrate
实现，支持 PostgreSQL 与 MySQL。

# 概述

迁移文件以 embed.FS 内嵌在 migrations/<dialect> 下，迁移器复用
GORM 打开的连接池（NewMigratorFromGorm），不单独建立连接。
SQLite 只用于开发与测试，建表交给 store.auto_migrate。

# 核心接口与类型

  - Migrator：Up/Down/Force/Version/Status/Info/Close。
  - DefaultMigrator：golang-migrate 实现。
  - CLI：agentjobs migrate 子命令的格式化输出。
  - AvailableMigrations：列出内嵌迁移版本。
*/
package migration
