// Package providers defines the common interfaces used by all upstream LLM
// provider adapters (DeepSeek, Moonshot, Zai, and the synthetic Test
// provider). Each lives in its own sub-package and implements Provider.
package providers

import (
	"context"
	"time"
)

// ModelInfo is a single entry in a provider's model catalogue.
type ModelInfo struct {
	ID      string
	Created int64
	OwnedBy string
}

// ChatResult is a non-streaming chat completions response.
//
// Body is the raw upstream JSON, untouched — the orchestrator and pipeline
// rewrite it in place via gjson/sjson rather than unmarshalling into a fixed
// struct, so passthrough fields added by the upstream survive untouched.
type ChatResult struct {
	StatusCode int
	Body       []byte
}

// StreamResult is the outcome of opening a streaming chat completions
// request. When StatusCode is not 2xx, Lines is nil and Body carries the
// upstream's (non-streamed) error payload instead.
type StreamResult struct {
	StatusCode int
	Body       []byte // only set when StatusCode is not 2xx
	Lines      LineIterator
}

// LineIterator yields raw SSE lines one at a time without buffering the
// whole body. Next blocks until a line is available, the stream ends
// (ok=false, err=nil), or an error occurs.
type LineIterator interface {
	Next() (line string, ok bool, err error)
	Close() error
}

// Provider is an upstream LLM adapter.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]ModelInfo, error)
	ChatCompletions(ctx context.Context, payload []byte) (*ChatResult, error)
	ChatCompletionsStream(ctx context.Context, payload []byte) (*StreamResult, error)
}

// StatusCoder is implemented by errors that carry an upstream HTTP status
// (compat's ListModels errors), so callers can read the status without
// string-matching error text.
type StatusCoder interface {
	HTTPStatus() int
}

// RequestTimeout bounds a single upstream call. There is no cross-provider
// retry in this gateway, so this is the only timeout knob a request gets.
const RequestTimeout = 30 * time.Second
