package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-gateway/internal/authority"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/keystore"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/models"
	"github.com/nulpointcorp/llm-gateway/internal/providers/testprov"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness builds an Orchestrator wired to an in-process test provider and
// an unconfigured authority (keys are seeded directly into the cache so no
// network call is needed), matching spec §8's E2E scenarios.
type harness struct {
	orc    *Orchestrator
	cache  cache.Cache
	queue  *queue.Queue
	cancel context.CancelFunc
}

func newHarness(t *testing.T, opts testprov.Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	mem := cache.NewMemoryCache(ctx)
	t.Cleanup(mem.Close)

	// An unconfigured authority client (empty BaseURL/secret) always reports
	// OutcomeError on a cache miss, so unseeded keys are rejected without a
	// network call.
	auth := authority.New("", "")
	keys := keystore.New(mem, auth)
	np := models.NamedProvider{Name: "test", Provider: testprov.New(opts)}
	agg := models.New(mem, []models.NamedProvider{np})
	q := queue.NewWithConfig(ctx, 1, 10*time.Millisecond)

	orc := New(ctx, []models.NamedProvider{np}, keys, agg, q, metrics.New(), auth, nil, discardLogger())

	h := &harness{orc: orc, cache: mem, queue: q, cancel: cancel}
	t.Cleanup(func() {
		orc.Close()
		q.Close()
		cancel()
	})
	return h
}

func (h *harness) seedKey(t *testing.T, key, purpose string) {
	t.Helper()
	rec := keystore.APIKeyRecord{UserID: 1, Active: true, Purpose: purpose}
	raw, err := json.Marshal(struct {
		Tag    string                  `json:"tag"`
		Record *keystore.APIKeyRecord `json:"record,omitempty"`
	}{Record: &rec})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cache.Set(context.Background(), "apikey:"+key, raw, time.Minute); err != nil {
		t.Fatal(err)
	}
}

func serveOrchestrator(t *testing.T, h *harness) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, h.orc.buildHandler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func TestChatCompletions_InvalidAPIKey(t *testing.T) {
	h := newHarness(t, testprov.Options{})
	client := serveOrchestrator(t, h)

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions",
		strings.NewReader(`{"model":"test/test-model","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer sk-unknown")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	h := newHarness(t, testprov.Options{})
	h.seedKey(t, "sk-good", "default")
	client := serveOrchestrator(t, h)

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions",
		strings.NewReader(`{"model":"nope/whatever","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer sk-good")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestChatCompletions_NonStreamHappyPath(t *testing.T) {
	h := newHarness(t, testprov.Options{Responses: map[string]string{"": "hello there"}})
	h.seedKey(t, "sk-good", "default")
	client := serveOrchestrator(t, h)

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions",
		strings.NewReader(`{"model":"test/test-model","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer sk-good")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if !strings.HasPrefix(out.ID, "chatcmpl-") {
		t.Errorf("expected chatcmpl- id, got %q", out.ID)
	}
	if out.Model != "test/test-model" {
		t.Errorf("expected model test/test-model, got %q", out.Model)
	}
	if out.Usage.CompletionTokens == 0 {
		t.Errorf("expected non-zero completion tokens, got %d", out.Usage.CompletionTokens)
	}
}

func TestChatCompletions_StreamHappyPath(t *testing.T) {
	h := newHarness(t, testprov.Options{ChunkSize: 4, Responses: map[string]string{"": "hello there friend"}})
	h.seedKey(t, "sk-good", "default")
	client := serveOrchestrator(t, h)

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions",
		strings.NewReader(`{"model":"test/test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	req.Header.Set("Authorization", "Bearer sk-good")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawDone bool
	var chunkCount int
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == "data: [DONE]" {
			sawDone = true
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("unexpected non-data line: %q", line)
		}
		chunkCount++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanning stream: %v", err)
	}
	if !sawDone {
		t.Error("expected a data: [DONE] sentinel line")
	}
	if chunkCount == 0 {
		t.Error("expected at least one streamed chunk")
	}
}
