// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 redisconn 管理 agentjobs 共用的 Redis 客户端。

队列、存储与事件总线任一配置为 redis 后端时，serve 与 worker
命令创建一个 Manager 并把 Client() 交给三者共用。Manager 在
创建时 Ping 一次，后台按间隔做健康检查，Ping 同时供 /ready 使用。
GetStats 解析 INFO 输出，供运维排查连接数与内存占用。
*/
package redisconn
