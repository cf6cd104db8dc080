// Package llm provides pluggable language-model backends for the mediator
// service. The generation pipeline treats a backend as an opaque function:
// prompt in, raw text out, fallible and latency-bearing. Backends carry no
// retry logic of their own; retries belong to the pipeline.
package llm

import "context"

// GenerationParams tunes a single model call. Nil pointer fields mean
// "backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}
