// Package streamtracker holds the per-stream mutable state from spec §4.5:
// a running character count of emitted content and an idempotent latch for
// actual upstream usage, used to build the final usage figure at finalize.
package streamtracker

import (
	"sync"
	"unicode/utf8"

	"github.com/nulpointcorp/llm-gateway/internal/usage"
)

// Tracker is created fresh per streaming request and discarded at finalize.
type Tracker struct {
	mu               sync.Mutex
	sentChars        int
	hasReceivedUsage bool
	actualUsage      usage.Usage
}

func New() *Tracker {
	return &Tracker{}
}

// TrackContent adds to the running character count. Called for every
// emitted delta.content, delta.reasoning_content, and
// json.Marshal(delta.tool_calls).
func (t *Tracker) TrackContent(s string) {
	t.mu.Lock()
	t.sentChars += utf8.RuneCountInString(s)
	t.mu.Unlock()
}

// RecordActualUsage latches the last observed normalized usage. Safe to
// call more than once (idempotent — last write wins, matching the upstream
// convention of sending usage only on the final tick).
func (t *Tracker) RecordActualUsage(u usage.Usage) {
	t.mu.Lock()
	t.actualUsage = u
	t.hasReceivedUsage = true
	t.mu.Unlock()
}

// BuildUsage returns the latched actual usage if one arrived, otherwise an
// estimate built from the tracked character count.
func (t *Tracker) BuildUsage(promptTokens, cachedTokens int) usage.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasReceivedUsage {
		return t.actualUsage
	}

	completion := usage.EstimateTokensFromChars(t.sentChars)
	return usage.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completion,
		TotalTokens:      promptTokens + completion,
		CachedTokens:     cachedTokens,
	}
}

// HasReceivedUsage reports whether an actual usage figure was latched.
func (t *Tracker) HasReceivedUsage() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasReceivedUsage
}
