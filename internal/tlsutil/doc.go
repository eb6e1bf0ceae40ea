// Package tlsutil 集中管理出站 TLS：模型接口的 HTTP 客户端与可选的 Redis TLS 连接。
package tlsutil
