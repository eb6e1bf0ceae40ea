// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package eventbus 按任务分发进度事件。

发布是即发即弃的：没有订阅者时事件被丢弃，发布失败只记录日志，
不会影响任务执行。同一任务的事件对每个订阅者保持发布顺序。

提供两种实现：

  - MemoryBus：进程内总线，每个订阅者一个有界缓冲和一个投递 goroutine
  - RedisBus：基于 Redis Pub/Sub，每个任务一个频道，跨进程可见

# 使用

	sub, err := bus.Subscribe(ctx, jobID, func(ev streaming.Event) {
		// ...
	})
	defer sub.Unsubscribe()
*/
package eventbus
