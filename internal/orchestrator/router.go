package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// ManagementRoutes holds optional management API handlers registered
// alongside the chat routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (o *Orchestrator) Start(addr string) error {
	return o.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (o *Orchestrator) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:     o.buildHandler(mgmt),
		ReadTimeout: 60 * time.Second,
		// No write deadline: chat completions streams may run arbitrarily
		// long (spec §5, "no hard deadline on chat requests").
		WriteTimeout: 0,
	}

	return srv.ListenAndServe(addr)
}

// buildHandler assembles the routed, fully-wrapped request handler. Split
// out from StartWithRoutes so tests can serve it over an in-memory listener
// instead of a real socket.
func (o *Orchestrator) buildHandler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	authed := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return applyMiddleware(h, authMiddleware(o.keys))
	}

	r.GET("/v1/ping", authed(o.handlePing))
	r.POST("/v1/ping", authed(o.handlePing))
	r.GET("/v1/models", authed(o.handleModels))
	r.POST("/v1/chat/completions", authed(o.handleChatCompletions))
	r.GET("/internal/health", o.handleInternalHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(o.corsOrigins),
		securityHeaders,
	)
}

func (o *Orchestrator) handlePing(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/plain")
	ctx.SetBodyString("OK")
}

func (o *Orchestrator) handleModels(ctx *fasthttp.RequestCtx) {
	list, err := o.modelsAgg.List(ctx)
	if err != nil {
		apierr.Internal(ctx)
		return
	}
	writeJSON(ctx, list)
}

func (o *Orchestrator) handleInternalHealth(ctx *fasthttp.RequestCtx) {
	if o.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, o.health.Snapshot())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
