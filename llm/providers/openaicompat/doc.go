// Package openaicompat implements llm.Provider for any OpenAI-compatible
// Chat Completions endpoint (OpenAI, DeepSeek, Qwen, vLLM, Ollama ...).
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "openai",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.openai.com",
//	    DefaultModel: "gpt-4o",
//	}, logger)
package openaicompat
