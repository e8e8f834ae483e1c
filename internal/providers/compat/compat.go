// Package compat implements the shared OpenAI-compatible Chat Completions
// client used by the DeepSeek, Moonshot, and Zai adapters: header injection,
// optional message-content flattening, and the line-framed SSE stream.
package compat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/sse"
)

// Provider is a raw net/http client against an OpenAI-compatible upstream.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	flatten bool
	client  *http.Client
}

// New builds a Provider. flatten enables message-content flattening for
// upstreams that reject typed content parts (DeepSeek).
func New(name, baseURL, apiKey string, flatten bool) *Provider {
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		flatten: flatten,
		client:  &http.Client{Timeout: providers.RequestTimeout},
	}
}

func (p *Provider) Name() string { return p.name }

// providerError carries the upstream status (via providers.StatusCoder) so
// callers can read it without parsing error text.
type providerError struct {
	status int
	body   []byte
}

func (e *providerError) Error() string {
	return fmt.Sprintf("%s: upstream status %d", "compat", e.status)
}
func (e *providerError) HTTPStatus() int { return e.status }

func (p *Provider) authHeader(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// ListModels fetches the upstream's /models catalogue.
func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	p.authHeader(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &providerError{status: resp.StatusCode, body: body}
	}

	var out []providers.ModelInfo
	gjson.GetBytes(body, "data").ForEach(func(_, v gjson.Result) bool {
		out = append(out, providers.ModelInfo{
			ID:      v.Get("id").String(),
			Created: v.Get("created").Int(),
			OwnedBy: v.Get("owned_by").String(),
		})
		return true
	})
	return out, nil
}

// ChatCompletions performs a non-streaming request and returns the raw
// upstream body untouched.
func (p *Provider) ChatCompletions(ctx context.Context, payload []byte) (*providers.ChatResult, error) {
	req, err := p.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &providers.ChatResult{StatusCode: resp.StatusCode, Body: body}, nil
}

// ChatCompletionsStream opens a streaming request. On a non-2xx start the
// body is read eagerly (it's an error payload, small) and no iterator is
// returned; the orchestrator treats that the same as a first-pull error.
func (p *Provider) ChatCompletionsStream(ctx context.Context, payload []byte) (*providers.StreamResult, error) {
	req, err := p.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return &providers.StreamResult{StatusCode: resp.StatusCode, Body: body}, nil
	}

	return &providers.StreamResult{StatusCode: resp.StatusCode, Lines: sse.New(resp.Body)}, nil
}

func (p *Provider) newRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	if p.flatten {
		payload = flattenMessages(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.authHeader(req)
	return req, nil
}

// flattenMessages rewrites every message whose content is a list of typed
// parts into a single string: text parts concatenated, image_url parts
// rendered as "[Image]", unknown part types rendered as
// "[Unsupported Multimodal Block: <type>]". Messages whose content is
// already a plain string are left untouched.
func flattenMessages(payload []byte) []byte {
	messages := gjson.GetBytes(payload, "messages")
	if !messages.IsArray() {
		return payload
	}

	out := payload
	idx := 0
	messages.ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			flat := flattenParts(content)
			path := fmt.Sprintf("messages.%d.content", idx)
			if updated, err := sjson.SetBytes(out, path, flat); err == nil {
				out = updated
			}
		}
		idx++
		return true
	})
	return out
}

func flattenParts(parts gjson.Result) string {
	var sb strings.Builder
	parts.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			sb.WriteString(part.Get("text").String())
		case "image_url":
			sb.WriteString("[Image]")
		default:
			sb.WriteString(fmt.Sprintf("[Unsupported Multimodal Block: %s]", part.Get("type").String()))
		}
		return true
	})
	return sb.String()
}
