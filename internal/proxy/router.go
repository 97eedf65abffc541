package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

const (
	routeChat   = "chat_completions"
	routeModels = "models"

	// streamWriteSlack is added to the stream timeout so the server write
	// deadline never cuts a stream the gateway still considers alive.
	streamWriteSlack = 30 * time.Second
)

// ManagementRoutes holds optional handlers mounted next to the API.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the routed, middleware-wrapped request handler.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/chat-completions", g.handleChat)
	r.POST("/v1/chat/completions", g.handleChat)
	r.GET("/models", g.handleModels)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Server returns a fasthttp server for the gateway.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		Name:         "llm-meter",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: g.streamTimeout + streamWriteSlack,
		IdleTimeout:  2 * time.Minute,
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully:
// in-flight requests and streams finish before Serve returns.
func (g *Gateway) Serve(ctx context.Context, addr string, mgmt *ManagementRoutes) error {
	srv := g.Server(mgmt)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if err := srv.Shutdown(); err != nil {
			return err
		}
		return <-errc
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": statusOK})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": statusOK})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
