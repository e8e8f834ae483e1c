// Package pipeline implements the purpose-selected request/response
// transforms from spec §4.3: identity for "default", a reasoning-content
// rewriter for "cursor". JSON is edited in place with gjson/sjson so
// passthrough fields the gateway doesn't know about survive untouched.
package pipeline

// Context carries the per-request values the pipeline needs, built by the
// Chat Orchestrator before preprocess runs.
type Context struct {
	RequestID    string
	ModelName    string
	ProviderName string
	UserID       *int64
	Purpose      string
}

// Pipeline is the purpose-specific transform set.
type Pipeline interface {
	// Preprocess rewrites the outbound request payload before dispatch.
	Preprocess(ctx Context, payload []byte) ([]byte, error)
	// PostprocessNonStream rewrites a non-streaming upstream response.
	PostprocessNonStream(body []byte) ([]byte, error)
	// NewEventTransformer returns a fresh, stateful transformer for one
	// stream. Must be called once per streaming request.
	NewEventTransformer() EventTransformer
}

// EventTransformer turns one upstream SSE event into zero or more downstream
// events, preserving order.
type EventTransformer interface {
	Transform(event []byte) ([][]byte, error)
}

// ForPurpose selects a Pipeline by the APIKeyRecord.purpose value.
func ForPurpose(purpose string) Pipeline {
	if purpose == "cursor" {
		return Cursor{}
	}
	return Base{}
}

// Base is the identity pipeline used for purpose "default".
type Base struct{}

func (Base) Preprocess(_ Context, payload []byte) ([]byte, error) { return payload, nil }

func (Base) PostprocessNonStream(body []byte) ([]byte, error) { return body, nil }

func (Base) NewEventTransformer() EventTransformer { return baseTransformer{} }

type baseTransformer struct{}

func (baseTransformer) Transform(event []byte) ([][]byte, error) {
	return [][]byte{event}, nil
}
