// Package routing resolves a public model id into the upstream call target
// and the quotas that guard it.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-meter/internal/providers"
	"github.com/nulpointcorp/llm-meter/internal/ratelimit"
	"github.com/nulpointcorp/llm-meter/internal/store"
)

// Store is the read access the router needs.
type Store interface {
	FindModel(ctx context.Context, id string) (*store.Model, error)
	FindEndpoint(ctx context.Context, id uint) (*store.Endpoint, error)
}

// Backend is the upstream used when a model has no usable endpoint.
type Backend struct {
	BaseURL string
	APIKey  string
	Kind    string
}

// Target is a resolved route.
type Target struct {
	// ModelID is the public id the caller asked for; billing and quotas key
	// on it.
	ModelID  string
	Upstream providers.Target

	EndpointID   *uint
	EndpointName string

	ModelRPM    *int
	ModelDay    *int
	EndpointRPM *int
	EndpointDay *int

	// Known is false when no model record exists and the request was routed
	// to the default backend by name.
	Known           bool
	FallbackModelID *string
}

// Quotas returns the rate limit inputs for this target.
func (t Target) Quotas(keyID string, keySpec ratelimit.Spec) ratelimit.Quotas {
	return ratelimit.Quotas{
		KeyID:       keyID,
		KeySpec:     keySpec,
		ModelID:     t.ModelID,
		ModelRPM:    t.ModelRPM,
		ModelDay:    t.ModelDay,
		EndpointID:  t.EndpointID,
		EndpointRPM: t.EndpointRPM,
		EndpointDay: t.EndpointDay,
	}
}

type Router struct {
	store Store
	def   Backend
	log   *slog.Logger
}

func New(s Store, def Backend, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if def.Kind == "" {
		def.Kind = providers.KindOpenAI
	}
	return &Router{store: s, def: def, log: log}
}

// Resolve maps modelID to a Target. It fails only when the store does; an
// unknown model is routed to the default backend.
func (r *Router) Resolve(ctx context.Context, modelID string) (Target, error) {
	m, err := r.store.FindModel(ctx, modelID)
	if errors.Is(err, store.ErrNotFound) {
		r.log.DebugContext(ctx, "routing_degraded",
			slog.String("model", modelID),
			slog.String("kind", r.def.Kind),
		)
		return Target{
			ModelID:  modelID,
			Upstream: r.upstream(r.def.Kind, r.def.Kind+"/"+modelID, r.def.BaseURL, r.def.APIKey),
		}, nil
	}
	if err != nil {
		return Target{}, fmt.Errorf("routing: find model %q: %w", modelID, err)
	}

	ep, err := r.endpoint(ctx, m.EndpointID)
	if err != nil {
		return Target{}, err
	}

	t := Target{
		ModelID:         m.ID,
		ModelRPM:        m.RPMLimit,
		ModelDay:        m.DayLimit,
		Known:           true,
		FallbackModelID: m.FallbackModelID,
	}

	if ep == nil {
		t.Upstream = r.upstream(r.def.Kind, m.ProviderName, r.def.BaseURL, r.def.APIKey)
		return t, nil
	}

	var key string
	if ep.APIKey != nil {
		key = *ep.APIKey
	}
	kind := ep.Kind
	if kind == "" {
		kind = providers.KindOpenAI
	}

	id := ep.ID
	t.EndpointID = &id
	t.EndpointName = ep.Name
	t.EndpointRPM = ep.RPMLimit
	t.EndpointDay = ep.DayLimit
	t.Upstream = r.upstream(kind, m.ProviderName, ep.BaseURL, key)
	return t, nil
}

// endpoint loads id, treating a dangling or inactive reference as unset.
func (r *Router) endpoint(ctx context.Context, id *uint) (*store.Endpoint, error) {
	if id == nil {
		return nil, nil
	}
	ep, err := r.store.FindEndpoint(ctx, *id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("routing: find endpoint %d: %w", *id, err)
	}
	if !ep.IsActive {
		return nil, nil
	}
	return ep, nil
}

// upstream applies a provider-qualified name: a known kind prefix selects
// the adapter and is stripped from the model name.
func (r *Router) upstream(kind, name, baseURL, apiKey string) providers.Target {
	if k, model, ok := providers.SplitQualified(name); ok {
		kind, name = k, model
	}
	return providers.Target{Kind: kind, Model: name, BaseURL: baseURL, APIKey: apiKey}
}
