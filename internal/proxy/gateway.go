// Package proxy is the metered HTTP front of the gateway.
//
// A chat request passes through auth, routing, the rate limit gauntlet and
// the balance gate before it reaches an upstream. Every request that reaches
// an upstream and produced output for the caller is billed exactly once,
// including streams that end in an upstream error or a client disconnect.
//
// Key design constraints:
//   - Billing never blocks the response path; settlement is queued.
//   - Metrics and the health checker are optional and nil-safe.
//   - Upstream calls run on contexts derived from the gateway's base context,
//     never from the fasthttp request, since streams outlive the handler.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-meter/internal/auth"
	"github.com/nulpointcorp/llm-meter/internal/billing"
	"github.com/nulpointcorp/llm-meter/internal/metrics"
	"github.com/nulpointcorp/llm-meter/internal/providers"
	"github.com/nulpointcorp/llm-meter/internal/ratelimit"
	"github.com/nulpointcorp/llm-meter/internal/routing"
	"github.com/nulpointcorp/llm-meter/internal/store"
	"github.com/nulpointcorp/llm-meter/internal/tokens"
	"github.com/nulpointcorp/llm-meter/pkg/apierr"
)

const (
	defaultProviderTimeout = 60 * time.Second
	defaultStreamTimeout   = 10 * time.Minute
)

// Authenticator resolves the Authorization header. *auth.Resolver satisfies it.
type Authenticator interface {
	Resolve(ctx context.Context, header string) (*auth.Principal, error)
}

// Resolver maps a public model id to an upstream. *routing.Router satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, modelID string) (routing.Target, error)
}

// Biller accepts settled usage without blocking. *billing.Queue satisfies it.
type Biller interface {
	Submit(e billing.Entry)
}

// ModelLister backs GET /models. *store.Store satisfies it.
type ModelLister interface {
	ListActiveModels(ctx context.Context) ([]store.Model, error)
}

// Deps are the collaborators every request needs.
type Deps struct {
	Auth      Authenticator
	Router    Resolver
	Limiter   *ratelimit.Limiter
	Providers *providers.Registry
	Counter   *tokens.Counter
	Billing   Biller
	Models    ModelLister
}

// Options holds tuning parameters. Zero values use defaults.
type Options struct {
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// ProviderTimeout bounds a non-streaming upstream call. Default: 60s.
	ProviderTimeout time.Duration

	// StreamTimeout bounds a whole stream, first byte to last. Default: 10m.
	StreamTimeout time.Duration

	// DefaultKeySpec applies to keys without their own rate limit.
	// Default: 60/m.
	DefaultKeySpec ratelimit.Spec
}

// Gateway serves the chat and model listing endpoints.
type Gateway struct {
	deps    Deps
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	health  *HealthChecker

	providerTimeout time.Duration
	streamTimeout   time.Duration
	defaultKeySpec  ratelimit.Spec

	// CORS allowed origins. Empty or ["*"] allows all.
	corsOrigins []string
}

// NewGateway creates a Gateway. baseCtx bounds every upstream call; cancelling
// it aborts in-flight streams on shutdown.
func NewGateway(baseCtx context.Context, deps Deps, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}

	streamTimeout := opts.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}

	keySpec := opts.DefaultKeySpec
	if keySpec.IsZero() {
		keySpec = ratelimit.MustParseSpec(ratelimit.DefaultKeySpec)
	}

	return &Gateway{
		deps:            deps,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: providerTimeout,
		streamTimeout:   streamTimeout,
		defaultKeySpec:  keySpec,
	}
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetHealthChecker attaches the dependency prober behind /health and /readiness.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) {
	g.health = hc
}

// ── Wire types ───────────────────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature *float64         `json:"temperature,omitempty"`
		MaxTokens   *int             `json:"max_tokens,omitempty"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}

	modelCard struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	modelList struct {
		Object string      `json:"object"`
		Data   []modelCard `json:"data"`
	}
)

func (r *inboundRequest) validate() error {
	if r.Model == "" {
		return errors.New("field 'model' is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("field 'messages' must contain at least one message")
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d]: field 'role' is required", i)
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return errors.New("field 'max_tokens' must not be negative")
	}
	return nil
}

func (r *inboundRequest) messages() []providers.Message {
	msgs := make([]providers.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

func (r *inboundRequest) params() providers.Params {
	p := providers.Params{Temperature: r.Temperature}
	if r.MaxTokens != nil {
		p.MaxTokens = *r.MaxTokens
	}
	return p
}

// call is one admitted request on its way upstream.
type call struct {
	reqID     string
	principal *auth.Principal
	target    routing.Target
	provider  providers.Provider
	msgs      []providers.Message
	params    providers.Params
	prompt    string
	input     tokens.Count
}

// ── Handlers ─────────────────────────────────────────────────────────────────

// handleChat serves POST /chat-completions.
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		// Streams are finalised by their body writer.
		if streaming || g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, ctx.Response.StatusCode(), time.Since(start), reqBytes)
	}()

	reqID := requestIDOf(ctx)

	// 1. Parse.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	// 2. Auth.
	principal, ok := g.authenticate(ctx, reqID)
	if !ok {
		return
	}

	// 3. Route. The gauntlet's endpoint and model tiers need the routed target.
	target, err := g.deps.Router.Resolve(ctx, req.Model)
	if err != nil {
		g.log.ErrorContext(ctx, "routing_failed",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, "failed to resolve model")
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", target.ModelID),
		slog.String("kind", target.Upstream.Kind),
		slog.String("key_id", principal.Key.ID),
		slog.Bool("stream", req.Stream),
	)

	// 4. Gauntlet.
	keySpec, err := ratelimit.KeySpec(principal.Key.RateLimitModel, g.defaultKeySpec)
	if err != nil {
		g.log.WarnContext(ctx, "key_rate_limit_invalid",
			slog.String("request_id", reqID),
			slog.String("key_id", principal.Key.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := g.deps.Limiter.Gauntlet(ctx, ratelimit.Tiers(target.Quotas(principal.Key.ID, keySpec))); err != nil {
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("tier", exceeded.Tier),
				slog.String("key_id", principal.Key.ID),
			)
			apierr.WriteRateLimit(ctx, "rate limit exceeded for tier "+exceeded.Tier, exceeded.RetryAfter(), exceeded.Tier)
			return
		}
		apierr.WriteInternal(ctx, "rate limit check failed")
		return
	}

	// 5. Balance gate. Soft: concurrent requests may overdraw.
	if !principal.User.Balance.IsPositive() {
		g.log.InfoContext(ctx, "insufficient_balance",
			slog.String("request_id", reqID),
			slog.String("user_id", principal.User.ID),
			slog.String("balance", principal.User.Balance.String()),
		)
		apierr.WriteInsufficientBalance(ctx)
		return
	}

	// 6. Bind a provider and count the prompt.
	prov, err := g.deps.Providers.Get(target.Upstream.Kind)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_unavailable",
			slog.String("request_id", reqID),
			slog.String("kind", target.Upstream.Kind),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, err.Error())
		return
	}

	c := &call{
		reqID:     reqID,
		principal: principal,
		target:    target,
		provider:  prov,
		msgs:      req.messages(),
		params:    req.params(),
	}
	c.prompt = promptText(c.msgs)
	c.input = g.countPrompt(c)

	// 7. Upstream.
	if req.Stream {
		streaming = g.serveStream(ctx, c, start, reqBytes)
		return
	}
	g.serveCompletion(ctx, c)
}

// serveCompletion runs the non-streaming path.
func (g *Gateway) serveCompletion(ctx *fasthttp.RequestCtx, c *call) {
	upCtx, cancel := context.WithTimeout(g.baseCtx, g.providerTimeout)
	defer cancel()

	comp, err := g.complete(upCtx, c)
	if err != nil {
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", c.reqID),
			slog.String("model", c.target.ModelID),
			slog.String("error", err.Error()),
		)
		apierr.WriteUpstream(ctx, err.Error())
		return
	}

	output := g.deps.Counter.Completion(comp.Content)
	g.bill(c, comp.Content, output)

	finish := comp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	id := comp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	writeJSON(ctx, outboundResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   c.target.ModelID,
		Choices: []outboundChoice{{
			Message:      outboundMessage{Role: "assistant", Content: comp.Content},
			FinishReason: finish,
		}},
		Usage: outboundUsage{
			PromptTokens:     c.input.N,
			CompletionTokens: output.N,
			TotalTokens:      c.input.N + output.N,
		},
	})

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", c.reqID),
		slog.String("model", c.target.ModelID),
		slog.Int("input_tokens", c.input.N),
		slog.Int("output_tokens", output.N),
		slog.String("input_source", string(c.input.Source)),
	)
}

// complete calls the upstream and, on failure, the model's fallback once.
// On a fallback success c is rebound to the fallback target.
func (g *Gateway) complete(ctx context.Context, c *call) (*providers.Completion, error) {
	comp, err := g.attemptComplete(ctx, c)
	if err == nil {
		return comp, nil
	}

	fb, ok := g.fallback(ctx, c, err)
	if !ok {
		return nil, err
	}
	comp, fbErr := g.attemptComplete(ctx, fb)
	if fbErr != nil {
		return nil, fbErr
	}
	*c = *fb
	return comp, nil
}

func (g *Gateway) attemptComplete(ctx context.Context, c *call) (*providers.Completion, error) {
	start := time.Now()
	comp, err := c.provider.Complete(ctx, c.target.Upstream, c.msgs, c.params)
	g.observeAttempt(c.target.Upstream.Kind, err, time.Since(start))
	return comp, err
}

// fallback resolves the fallback call for c after cause, if the model has one.
func (g *Gateway) fallback(ctx context.Context, c *call, cause error) (*call, bool) {
	fbID := c.target.FallbackModelID
	if fbID == nil || *fbID == "" || *fbID == c.target.ModelID {
		return nil, false
	}

	target, err := g.deps.Router.Resolve(ctx, *fbID)
	if err != nil {
		g.log.WarnContext(ctx, "fallback_unresolved",
			slog.String("request_id", c.reqID),
			slog.String("fallback", *fbID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	prov, err := g.deps.Providers.Get(target.Upstream.Kind)
	if err != nil {
		g.log.WarnContext(ctx, "fallback_unresolved",
			slog.String("request_id", c.reqID),
			slog.String("fallback", *fbID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	g.log.WarnContext(ctx, "fallback",
		slog.String("request_id", c.reqID),
		slog.String("from", c.target.ModelID),
		slog.String("to", target.ModelID),
		slog.String("cause", cause.Error()),
	)
	if g.metrics != nil {
		g.metrics.RecordFallback(c.target.ModelID, target.ModelID)
	}

	fb := *c
	fb.target = target
	fb.provider = prov
	fb.input = g.countPrompt(&fb)
	return &fb, true
}

func (g *Gateway) countPrompt(c *call) tokens.Count {
	ctx, cancel := context.WithTimeout(g.baseCtx, g.providerTimeout)
	defer cancel()
	return g.deps.Counter.Prompt(ctx, c.provider, c.target.Upstream, c.msgs)
}

func (g *Gateway) observeAttempt(kind string, err error, dur time.Duration) {
	if g.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	g.metrics.ObserveUpstreamAttempt(kind, outcome, dur)
}

// bill queues the settlement of c. The completion text is what the caller
// actually received.
func (g *Gateway) bill(c *call, completion string, output tokens.Count) {
	g.deps.Billing.Submit(billing.Entry{
		RequestID:    c.reqID,
		UserID:       c.principal.User.ID,
		KeyID:        c.principal.Key.ID,
		ModelID:      c.target.ModelID,
		InputTokens:  c.input.N,
		OutputTokens: output.N,
		Prompt:       c.prompt,
		Completion:   completion,
		LogContent:   c.principal.Key.LogContent,
	})
}

// handleModels serves GET /models.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	defer func() {
		if g.metrics != nil {
			g.metrics.ObserveHTTP(routeModels, ctx.Response.StatusCode(), time.Since(start), -1)
		}
	}()

	reqID := requestIDOf(ctx)
	if _, ok := g.authenticate(ctx, reqID); !ok {
		return
	}

	models, err := g.deps.Models.ListActiveModels(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "list_models_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, "failed to list models")
		return
	}

	out := modelList{Object: "list", Data: make([]modelCard, 0, len(models))}
	for _, m := range models {
		owner := "system"
		if m.Endpoint != nil {
			owner = m.Endpoint.Name
		}
		out.Data = append(out.Data, modelCard{
			ID:      m.ID,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: owner,
		})
	}
	writeJSON(ctx, out)
}

// authenticate resolves the bearer key and writes the rejection itself.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, reqID string) (*auth.Principal, bool) {
	principal, err := g.deps.Auth.Resolve(ctx, string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
	if err == nil {
		return principal, true
	}

	var aerr *auth.Error
	if errors.As(err, &aerr) {
		g.log.InfoContext(ctx, "auth_rejected",
			slog.String("request_id", reqID),
			slog.String("reason", aerr.Kind.String()),
		)
		apierr.WriteAuth(ctx, aerr.HTTPStatus(), aerr.Error(), aerr.Kind.String())
		return nil, false
	}

	g.log.ErrorContext(ctx, "auth_failed",
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
	)
	apierr.WriteInternal(ctx, "credential lookup failed")
	return nil, false
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}

// promptText is the stored form of a prompt: the message list as JSON.
func promptText(msgs []providers.Message) string {
	data, err := json.Marshal(msgs)
	if err != nil {
		return ""
	}
	return string(data)
}
