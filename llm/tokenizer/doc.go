// Package tokenizer 提供统一的 Token 计数接口，
// 支持字符估算与 tiktoken 精确计数，用于上下文预算管理。
package tokenizer
