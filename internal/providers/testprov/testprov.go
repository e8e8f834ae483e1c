// Package testprov implements the spec's synthetic "Test" provider: a
// fixed or keyword-tailored response with configurable chunking and delay,
// for exercising the gateway without a paid upstream. Adapted from the
// teacher's mock OpenAI-compatible server, reshaped into an in-process
// Provider so no separate process or BASE_URL is needed.
package testprov

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const Name = "test"

// Options configures the synthetic provider's behavior.
type Options struct {
	// ChunkSize is the number of runes per streamed delta.
	ChunkSize int
	// Delay is the pause between streamed chunks.
	Delay time.Duration
	// Responses maps a lowercase keyword found in the last user message to
	// a fixed reply. "" is the fallback used when no keyword matches.
	Responses map[string]string
}

func defaultOptions() Options {
	return Options{
		ChunkSize: 4,
		Delay:     0,
		Responses: map[string]string{"": "This is a response from the test provider."},
	}
}

// Provider is the in-process synthetic adapter.
type Provider struct {
	opts Options
}

func New(opts Options) *Provider {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultOptions().ChunkSize
	}
	if len(opts.Responses) == 0 {
		opts.Responses = defaultOptions().Responses
	}
	return &Provider{opts: opts}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) ListModels(_ context.Context) ([]providers.ModelInfo, error) {
	return []providers.ModelInfo{
		{ID: "test-model", Created: 0, OwnedBy: "test"},
	}, nil
}

func (p *Provider) reply(payload []byte) string {
	var body struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	_ = json.Unmarshal(payload, &body)

	var last string
	for i := len(body.Messages) - 1; i >= 0; i-- {
		if body.Messages[i].Role == "user" {
			var s string
			if err := json.Unmarshal(body.Messages[i].Content, &s); err == nil {
				last = strings.ToLower(s)
			}
			break
		}
	}

	for keyword, resp := range p.opts.Responses {
		if keyword != "" && strings.Contains(last, keyword) {
			return resp
		}
	}
	return p.opts.Responses[""]
}

func (p *Provider) ChatCompletions(_ context.Context, payload []byte) (*providers.ChatResult, error) {
	content := p.reply(payload)
	prompt := estimateChars(payload)
	completion := estimateChars([]byte(content))

	body, _ := json.Marshal(map[string]any{
		"id":      "test-" + fmt.Sprint(time.Now().UnixNano()),
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	})
	return &providers.ChatResult{StatusCode: 200, Body: body}, nil
}

func estimateChars(b []byte) int {
	n := len(b) / 2
	if n < 1 {
		n = 1
	}
	return n
}

// lineIterator is an in-process LineIterator driven by a pre-built slice.
type lineIterator struct {
	lines []string
	delay time.Duration
	i     int
	ctx   context.Context
}

func (it *lineIterator) Next() (string, bool, error) {
	if it.i >= len(it.lines) {
		return "", false, nil
	}
	if it.delay > 0 {
		select {
		case <-time.After(it.delay):
		case <-it.ctx.Done():
			return "", false, it.ctx.Err()
		}
	}
	line := it.lines[it.i]
	it.i++
	return line, true, nil
}

func (it *lineIterator) Close() error { return nil }

func (p *Provider) ChatCompletionsStream(ctx context.Context, payload []byte) (*providers.StreamResult, error) {
	content := p.reply(payload)
	id := "test-" + fmt.Sprint(time.Now().UnixNano())

	chunks := chunkString(content, p.opts.ChunkSize)
	lines := make([]string, 0, len(chunks)+2)
	for _, c := range chunks {
		ev, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"model":   "test-model",
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": c}, "finish_reason": nil}},
		})
		lines = append(lines, "data: "+string(ev))
	}

	prompt := estimateChars(payload)
	completion := estimateChars([]byte(content))
	final, _ := json.Marshal(map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   "test-model",
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"}},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	})
	lines = append(lines, "data: "+string(final), "data: [DONE]")

	return &providers.StreamResult{
		StatusCode: 200,
		Lines:      &lineIterator{lines: lines, delay: p.opts.Delay, ctx: ctx},
	}, nil
}

func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
