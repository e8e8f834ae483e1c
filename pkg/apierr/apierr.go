// Package apierr writes the gateway's client-facing error envelope:
// {"error":"<short phrase>"} plus an HTTP status, per spec §7. No stack
// traces or internal detail are ever included in the body.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

type envelope struct {
	Error string `json:"error"`
}

// Write writes {"error": message} to the fasthttp response with the given
// HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: message})
	ctx.SetBody(body)
}

// InvalidBody writes the 400 for a malformed request body.
func InvalidBody(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadRequest, "Invalid Body")
}

// Unauthorized writes the 401 for missing or invalid auth.
func Unauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "Unauthorized")
}

// ModelNotFound writes the 404 for an unknown model or provider, or a model
// outside the provider's allow-list.
func ModelNotFound(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusNotFound, "Model not found")
}

// UpstreamFailure writes the 500 for a non-2xx upstream response, whether on
// the non-streaming path or at stream open.
func UpstreamFailure(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "Internal Server Error")
}

// Internal writes a generic 500 for unexpected server-side failures (e.g. a
// recovered panic).
func Internal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "Internal Server Error")
}
