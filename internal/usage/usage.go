// Package usage implements token-usage normalization and estimation exactly
// as spec §4.4: prefer upstream-reported counts, fall back to a
// character-count heuristic when the upstream is silent.
package usage

import (
	"math"

	"github.com/tidwall/gjson"
)

// Usage is the normalized, four-field token accounting shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens"`
}

// NormalizeUsage reads prompt/completion/total/cached from the first
// present source for each field. ok is false when prompt or completion is
// missing — the caller falls back to estimation.
func NormalizeUsage(usageRaw []byte) (u Usage, ok bool) {
	if len(usageRaw) == 0 {
		return Usage{}, false
	}
	g := gjson.ParseBytes(usageRaw)

	promptR := g.Get("prompt_tokens")
	complR := g.Get("completion_tokens")
	if !promptR.Exists() || !complR.Exists() {
		return Usage{}, false
	}

	prompt := int(promptR.Int())
	completion := int(complR.Int())
	total := prompt + completion
	if t := g.Get("total_tokens"); t.Exists() {
		total = int(t.Int())
	}

	var cached int
	switch {
	case g.Get("cached_tokens").Exists():
		cached = int(g.Get("cached_tokens").Int())
	case g.Get("prompt_tokens_details.cached_tokens").Exists():
		cached = int(g.Get("prompt_tokens_details.cached_tokens").Int())
	case g.Get("prompt_cache_hit_tokens").Exists():
		cached = int(g.Get("prompt_cache_hit_tokens").Int())
	}

	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total, CachedTokens: cached}, true
}

// EstimateTokensFromChars is the shared character-count heuristic:
// max(1, ceil(chars/2)).
func EstimateTokensFromChars(chars int) int {
	t := int(math.Ceil(float64(chars) / 2))
	if t < 1 {
		t = 1
	}
	return t
}

// EstimatePromptTokens sums the byte length of every message's serialized
// content and applies the character-count heuristic.
func EstimatePromptTokens(messageContents [][]byte) int {
	chars := 0
	for _, c := range messageContents {
		chars += len(c)
	}
	return EstimateTokensFromChars(chars)
}

// EstimateUsage estimates both prompt and completion tokens from character
// counts when the upstream never reported usage.
func EstimateUsage(messageContents [][]byte, completionChoice0 []byte) Usage {
	prompt := EstimatePromptTokens(messageContents)
	completion := EstimateTokensFromChars(len(completionChoice0))
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion, CachedTokens: 0}
}

// LogEntry is the UsageLogEntry record from spec §3, created exactly once
// per finished request and handed off to the usage queue.
type LogEntry struct {
	RequestID        string `json:"requestId"`
	TimestampMs      int64  `json:"timestampMs"`
	UserID           *int64 `json:"userId,omitempty"`
	Purpose          string `json:"purpose,omitempty"`
	ProviderName     string `json:"providerName"`
	ModelName        string `json:"modelName"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	CachedTokens     int    `json:"cachedTokens"`
	TotalTokens      int    `json:"totalTokens"`
	IsEstimated      bool   `json:"isEstimated"`
}

// CreateUsageLog builds a LogEntry from a normalized/estimated Usage.
func CreateUsageLog(requestID string, timestampMs int64, userID *int64, purpose, providerName, modelName string, u Usage, isEstimated bool) LogEntry {
	return LogEntry{
		RequestID:        requestID,
		TimestampMs:      timestampMs,
		UserID:           userID,
		Purpose:          purpose,
		ProviderName:     providerName,
		ModelName:        modelName,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CachedTokens:     u.CachedTokens,
		TotalTokens:      u.TotalTokens,
		IsEstimated:      isEstimated,
	}
}
