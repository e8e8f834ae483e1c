package orchestrator

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/keystore"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/streamtracker"
	"github.com/nulpointcorp/llm-gateway/internal/usage"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

const dataPrefix = "data: "
const doneLine = "data: [DONE]"

// dispatchStream implements the stream path of spec §4.6: open upstream,
// pump lines through the per-event transformer, and finalize the usage log
// exactly once regardless of which of {flush, abort, pump-error} fires.
func (o *Orchestrator) dispatchStream(
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

	streamResult, err := prov.ChatCompletionsStream(ctx, payload)
	if err != nil {
		o.observeUpstream(rt.providerName, "error", upstreamStart)
		apierr.UpstreamFailure(ctx)
		o.observeHTTP(ctx, start, reqBytes)
		return
	}
	if streamResult.StatusCode < 200 || streamResult.StatusCode >= 300 {
		o.observeUpstream(rt.providerName, "upstream_error", upstreamStart)
		apierr.UpstreamFailure(ctx)
		o.observeHTTP(ctx, start, reqBytes)
		return
	}
	o.observeUpstream(rt.providerName, "ok", upstreamStart)

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-transform")
	ctx.Response.Header.Set("Connection", "keep-alive")

	tracker := streamtracker.New()
	transformer := pl.NewEventTransformer()
	estimatedPrompt := usage.EstimatePromptTokens(collectMessageContents(payload))

	var finalizeOnce sync.Once
	finalize := func() {
		finalizeOnce.Do(func() {
			u := tracker.BuildUsage(estimatedPrompt, 0)
			entry := usage.CreateUsageLog(
				requestID, time.Now().UnixMilli(), userIDPtr(rec), rec.Purpose,
				rt.providerName, rt.providerName+"/"+rt.modelName, u, !tracker.HasReceivedUsage(),
			)
			o.enqueueUsage(entry)
			if o.metrics != nil {
				o.metrics.AddTokens(rt.providerName, routeLabel, u.PromptTokens, u.CompletionTokens, !tracker.HasReceivedUsage())
			}
			_ = streamResult.Lines.Close()
		})
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer finalize()
		for {
			line, ok, err := streamResult.Lines.Next()
			if err != nil {
				return
			}
			if !ok {
				return
			}
			if !o.processLine(w, line, requestID, rt, tracker, transformer) {
				return
			}
		}
	})

	o.observeHTTP(ctx, start, reqBytes)
}

// processLine handles one upstream SSE line per spec §4.6 step "Per-line
// processing". It returns false when the downstream write failed (client
// abort) and the pump must stop.
func (o *Orchestrator) processLine(
	w *bufio.Writer,
	line string,
	requestID string,
	rt route,
	tracker *streamtracker.Tracker,
	transformer pipeline.EventTransformer,
) bool {
	trimmed := strings.TrimSpace(line)

	if trimmed == "" || !strings.HasPrefix(trimmed, dataPrefix) || trimmed == doneLine {
		return writeRawLine(w, line)
	}

	payload := []byte(strings.TrimPrefix(trimmed, dataPrefix))
	if !json.Valid(payload) {
		o.log.Warn("invalid upstream SSE payload, forwarding unchanged",
			slog.String("request_id", requestID), slog.String("provider", rt.providerName))
		return writeRawLine(w, line)
	}

	data := payload
	if updated, err := sjson.SetBytes(data, "id", requestID); err == nil {
		data = updated
	}
	if updated, err := sjson.DeleteBytes(data, "system_fingerprint"); err == nil {
		data = updated
	}
	if updated, err := sjson.SetBytes(data, "model", rt.providerName+"/"+rt.modelName); err == nil {
		data = updated
	}

	if c := gjson.GetBytes(data, "choices.0.delta.content"); c.Exists() {
		tracker.TrackContent(c.String())
	}
	if rc := gjson.GetBytes(data, "choices.0.delta.reasoning_content"); rc.Exists() {
		tracker.TrackContent(rc.String())
	}
	if tc := gjson.GetBytes(data, "choices.0.delta.tool_calls"); tc.Exists() {
		tracker.TrackContent(tc.Raw)
	}

	if u := gjson.GetBytes(data, "usage"); u.Exists() {
		if normalized, ok := usage.NormalizeUsage([]byte(u.Raw)); ok {
			tracker.RecordActualUsage(normalized)
			if updated, err := sjson.SetBytes(data, "usage", usageJSON(normalized)); err == nil {
				data = updated
			}
		} else {
			o.log.Warn("upstream usage missing prompt/completion tokens, ignoring",
				slog.String("request_id", requestID), slog.String("provider", rt.providerName))
		}
	}

	events, err := transformer.Transform(data)
	if err != nil {
		return writeEvent(w, data)
	}
	for _, ev := range events {
		if !writeEvent(w, ev) {
			return false
		}
	}
	return true
}

func writeEvent(w *bufio.Writer, payload []byte) bool {
	if _, err := w.WriteString(dataPrefix); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return false
	}
	return w.Flush() == nil
}

func writeRawLine(w *bufio.Writer, line string) bool {
	if _, err := w.WriteString(line); err != nil {
		return false
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return false
	}
	return w.Flush() == nil
}
