// Package api 描述 agentjobs 对外的 HTTP 接口。处理器实现在 api/handlers。
//
// # Endpoints
//
//	POST /api/v1/jobs                          提交任务
//	GET  /api/v1/jobs                          列出任务 (?status=&mode=&limit=)
//	GET  /api/v1/jobs/{id}                     任务状态
//	GET  /api/v1/jobs/{id}/iterations          迭代记录
//	POST /api/v1/jobs/{id}/pause|resume|cancel 控制操作
//	GET  /api/v1/jobs/{id}/events              SSE 进度流
//	GET  /api/v1/jobs/{id}/ws                  WebSocket 进度流
//	POST /api/v1/sessions                      提交自主会话
//	GET  /api/v1/sessions/{id}                 会话状态
//	GET  /api/v1/sessions/{id}/observations    观察记录
//	GET  /api/v1/queue/failed                  失败消息
//	POST /api/v1/queue/failed/{key}/retry      重新投递
//	GET  /api/v1/queue/stats                   队列统计
//	GET  /health /ready /version               健康检查（无需认证）
//
// Prometheus 指标在单独的 metrics 端口的 /metrics 上提供。
//
// # Authentication
//
// /api/v1 下的接口需要 X-API-Key 请求头或 Authorization: Bearer <JWT>：
//
//	X-API-Key: your-api-key
//
// JWT 的 sub 声明作为用户 ID，用于任务归属。
//
// # Progress events
//
// 每个事件是一个 JSON 对象，type 取值 message-start、text-delta、tool-call、
// tool-result、message-complete、status-update、job-complete。
// SSE 以 data: [DONE] 结束，WebSocket 以正常关闭帧结束。
package api
