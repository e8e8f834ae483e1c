// Package orchestrator implements the Chat Orchestrator (spec §4.6):
// request routing, purpose-selected pipeline wiring, non-streaming and
// streaming dispatch, and the exactly-once usage log enqueue. Generalized
// from the teacher's internal/proxy Gateway.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/authority"
	"github.com/nulpointcorp/llm-gateway/internal/keystore"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/models"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/usage"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

const routeLabel = "chat_completions"

// Orchestrator owns the configured providers and wires the Key Store,
// Pipeline, Usage Accounting, Stream Tracker, and Usage Queue together for
// each request.
type Orchestrator struct {
	providers   map[string]models.NamedProvider
	keys        *keystore.Store
	modelsAgg   *models.Aggregator
	queue       *queue.Queue
	metrics     *metrics.Registry
	authority   *authority.Client
	corsOrigins []string
	health      *HealthChecker
	log         *slog.Logger
}

// New builds an Orchestrator and starts its background health prober. ctx
// bounds the prober's lifetime; callers stop it via Close.
func New(
	ctx context.Context,
	providers []models.NamedProvider,
	keys *keystore.Store,
	modelsAgg *models.Aggregator,
	q *queue.Queue,
	met *metrics.Registry,
	auth *authority.Client,
	corsOrigins []string,
	log *slog.Logger,
) *Orchestrator {
	byName := make(map[string]models.NamedProvider, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}
	o := &Orchestrator{
		providers:   byName,
		keys:        keys,
		modelsAgg:   modelsAgg,
		queue:       q,
		metrics:     met,
		authority:   auth,
		corsOrigins: corsOrigins,
		log:         log,
	}
	o.health = NewHealthChecker(ctx, byName, auth, met)
	return o
}

// Close stops the background health prober.
func (o *Orchestrator) Close() {
	if o.health != nil {
		o.health.Close()
	}
}

// handleChatCompletions implements POST /v1/chat/completions (spec §4.6).
func (o *Orchestrator) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	body := ctx.PostBody()

	if !json.Valid(body) {
		apierr.InvalidBody(ctx)
		o.observeHTTP(ctx, start, len(body))
		return
	}

	rawModel := gjson.GetBytes(body, "model").String()
	if rawModel == "" {
		apierr.ModelNotFound(ctx)
		o.observeHTTP(ctx, start, len(body))
		return
	}

	rt, ok := o.resolveRoute(rawModel)
	if !ok {
		apierr.ModelNotFound(ctx)
		o.observeHTTP(ctx, start, len(body))
		return
	}

	rec, _ := ctx.UserValue(apiKeyRecordKey).(*keystore.APIKeyRecord)
	requestID := newChatRequestID()

	pctx := pipeline.Context{
		RequestID:    requestID,
		ModelName:    rt.modelName,
		ProviderName: rt.providerName,
		UserID:       userIDPtr(rec),
		Purpose:      rec.Purpose,
	}

	payload, err := sjson.SetBytes(body, "model", rt.modelName)
	if err != nil {
		apierr.InvalidBody(ctx)
		o.observeHTTP(ctx, start, len(body))
		return
	}

	pl := pipeline.ForPurpose(rec.Purpose)
	payload, err = pl.Preprocess(pctx, payload)
	if err != nil {
		apierr.InvalidBody(ctx)
		o.observeHTTP(ctx, start, len(body))
		return
	}

	np := o.providers[rt.providerName]

	if gjson.GetBytes(payload, "stream").Bool() {
		o.dispatchStream(ctx, np.Provider, payload, pl, requestID, rt, rec, start)
		return
	}
	o.dispatchNonStream(ctx, np.Provider, payload, pl, requestID, rt, rec, start)
}

// dispatchNonStream implements the non-stream path of spec §4.6.
func (o *Orchestrator) dispatchNonStream(
	ctx *fasthttp.RequestCtx,
	prov providers.Provider,
	payload []byte,
	pl pipeline.Pipeline,
	requestID string,
	rt route,
	rec *keystore.APIKeyRecord,
	start time.Time,
) {
	reqBytes := len(ctx.PostBody())
	upstreamStart := time.Now()
	result, err := prov.ChatCompletions(ctx, payload)
	if err != nil {
		o.observeUpstream(rt.providerName, "error", upstreamStart)
		apierr.UpstreamFailure(ctx)
		o.observeHTTP(ctx, start, reqBytes)
		return
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		o.observeUpstream(rt.providerName, "upstream_error", upstreamStart)
		apierr.UpstreamFailure(ctx)
		o.observeHTTP(ctx, start, reqBytes)
		return
	}
	o.observeUpstream(rt.providerName, "ok", upstreamStart)

	processed, err := pl.PostprocessNonStream(result.Body)
	if err != nil {
		apierr.Internal(ctx)
		o.observeHTTP(ctx, start, reqBytes)
		return
	}

	u, ok := usage.NormalizeUsage([]byte(gjson.GetBytes(result.Body, "usage").Raw))
	isEstimated := !ok
	if !ok {
		o.log.Warn("upstream usage missing prompt/completion tokens, estimating",
			slog.String("request_id", requestID), slog.String("provider", rt.providerName))
		messageContents := collectMessageContents(payload)
		completionChoice0 := []byte(gjson.GetBytes(result.Body, "choices.0").Raw)
		u = usage.EstimateUsage(messageContents, completionChoice0)
	}

	processed, _ = sjson.SetBytes(processed, "usage", usageJSON(u))
	processed, _ = sjson.SetBytes(processed, "id", requestID)
	processed, _ = sjson.SetBytes(processed, "model", rt.providerName+"/"+rt.modelName)

	entry := usage.CreateUsageLog(
		requestID, time.Now().UnixMilli(), userIDPtr(rec), rec.Purpose,
		rt.providerName, rt.providerName+"/"+rt.modelName, u, isEstimated,
	)
	o.enqueueUsage(entry)
	if o.metrics != nil {
		o.metrics.AddTokens(rt.providerName, routeLabel, u.PromptTokens, u.CompletionTokens, isEstimated)
	}

	ctx.SetContentType("application/json")
	ctx.SetBody(processed)
	o.observeHTTP(ctx, start, reqBytes)
}

func (o *Orchestrator) observeUpstream(providerName, outcome string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveUpstreamAttempt(providerName, routeLabel, outcome, time.Since(start))
}

func (o *Orchestrator) enqueueUsage(entry usage.LogEntry) {
	if err := o.queue.Enqueue(entry); err != nil {
		o.log.Warn("usage queue enqueue failed, entry dropped", "request_id", entry.RequestID, "error", err)
		if o.metrics != nil {
			o.metrics.AddQueueDropped(1)
		}
	}
}

func userIDPtr(rec *keystore.APIKeyRecord) *int64 {
	if rec == nil {
		return nil
	}
	id := rec.UserID
	return &id
}

func (o *Orchestrator) observeHTTP(ctx *fasthttp.RequestCtx, start time.Time, reqBytes int) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveHTTP(routeLabel, ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
}

// collectMessageContents serializes each message's content field for the
// character-count usage estimator (usage.EstimateUsage/EstimatePromptTokens).
func collectMessageContents(payload []byte) [][]byte {
	messages := gjson.GetBytes(payload, "messages")
	if !messages.IsArray() {
		return nil
	}
	var out [][]byte
	messages.ForEach(func(_, msg gjson.Result) bool {
		out = append(out, []byte(msg.Get("content").Raw))
		return true
	})
	return out
}

func usageJSON(u usage.Usage) map[string]any {
	return map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
		"cached_tokens":     u.CachedTokens,
	}
}
