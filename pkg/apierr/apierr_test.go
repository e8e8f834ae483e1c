package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestWriteFlatEnvelope(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusBadRequest, "Invalid Body")

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}

	var body map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(body) != 1 || body["error"] != "Invalid Body" {
		t.Fatalf("expected flat {error:...} envelope, got %v", body)
	}
}

func TestHelpersMapToExpectedStatuses(t *testing.T) {
	cases := []struct {
		name    string
		write   func(*fasthttp.RequestCtx)
		status  int
		message string
	}{
		{"InvalidBody", InvalidBody, fasthttp.StatusBadRequest, "Invalid Body"},
		// spec §8 scenario 1 requires this exact body.
		{"Unauthorized", Unauthorized, fasthttp.StatusUnauthorized, "Unauthorized"},
		{"ModelNotFound", ModelNotFound, fasthttp.StatusNotFound, "Model not found"},
		// spec §4.1/§7: upstream non-2xx maps to the generic server-error body.
		{"UpstreamFailure", UpstreamFailure, fasthttp.StatusInternalServerError, "Internal Server Error"},
		{"Internal", Internal, fasthttp.StatusInternalServerError, "Internal Server Error"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			c.write(ctx)
			if ctx.Response.StatusCode() != c.status {
				t.Fatalf("expected status %d, got %d", c.status, ctx.Response.StatusCode())
			}
			var body map[string]string
			if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
				t.Fatalf("unmarshal body: %v", err)
			}
			if len(body) != 1 || body["error"] != c.message {
				t.Fatalf("expected flat {error:%q} envelope, got %v", c.message, body)
			}
		})
	}
}
