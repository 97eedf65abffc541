package routing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-meter/internal/providers"
	"github.com/nulpointcorp/llm-meter/internal/ratelimit"
	"github.com/nulpointcorp/llm-meter/internal/routing"
	"github.com/nulpointcorp/llm-meter/internal/store"
	"github.com/nulpointcorp/llm-meter/internal/store/storetest"
)

var defaultBackend = routing.Backend{
	BaseURL: "http://localhost:11434/v1",
	APIKey:  "default-key",
	Kind:    providers.KindOllama,
}

func TestResolve_ModelWithEndpoint(t *testing.T) {
	s := storetest.New(t)
	ep := storetest.Endpoint(t, s, "claude-direct", "https://api.anthropic.com", func(e *store.Endpoint) {
		e.Kind = providers.KindAnthropic
		e.APIKey = storetest.Ptr("ep-key")
		e.RPMLimit = storetest.Ptr(100)
		e.DayLimit = storetest.Ptr(5000)
	})
	storetest.Model(t, s, "sonnet", "claude-3-5-sonnet", "0.001", "0.002", func(m *store.Model) {
		m.EndpointID = &ep.ID
		m.RPMLimit = storetest.Ptr(10)
		m.FallbackModelID = storetest.Ptr("local")
	})

	got, err := routing.New(s, defaultBackend, nil).Resolve(context.Background(), "sonnet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := providers.Target{Kind: "anthropic", Model: "claude-3-5-sonnet", BaseURL: "https://api.anthropic.com", APIKey: "ep-key"}
	if got.Upstream != want {
		t.Errorf("upstream = %+v, want %+v", got.Upstream, want)
	}
	if !got.Known || got.ModelID != "sonnet" || got.EndpointName != "claude-direct" {
		t.Errorf("unexpected target: %+v", got)
	}
	if got.EndpointID == nil || *got.EndpointID != ep.ID {
		t.Errorf("endpoint id = %v, want %d", got.EndpointID, ep.ID)
	}
	if *got.ModelRPM != 10 || got.ModelDay != nil || *got.EndpointRPM != 100 || *got.EndpointDay != 5000 {
		t.Errorf("quotas not carried over: %+v", got)
	}
	if got.FallbackModelID == nil || *got.FallbackModelID != "local" {
		t.Errorf("fallback = %v", got.FallbackModelID)
	}
}

func TestResolve_ModelWithoutEndpointUsesDefault(t *testing.T) {
	s := storetest.New(t)
	storetest.Model(t, s, "llama", "ollama/llama3", "0", "0")

	got, err := routing.New(s, defaultBackend, nil).Resolve(context.Background(), "llama")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := providers.Target{Kind: "ollama", Model: "llama3", BaseURL: defaultBackend.BaseURL, APIKey: "default-key"}
	if got.Upstream != want {
		t.Errorf("upstream = %+v, want %+v", got.Upstream, want)
	}
	if !got.Known || got.EndpointID != nil {
		t.Errorf("unexpected target: %+v", got)
	}
}

func TestResolve_UnusableEndpointFallsBackToDefault(t *testing.T) {
	s := storetest.New(t)
	inactive := storetest.Endpoint(t, s, "off", "http://off", func(e *store.Endpoint) { e.IsActive = false })
	dangling := uint(9999)

	storetest.Model(t, s, "a", "gpt-4o", "0", "0", func(m *store.Model) { m.EndpointID = &inactive.ID })
	storetest.Model(t, s, "b", "gpt-4o", "0", "0")
	if err := s.DB().Exec("PRAGMA foreign_keys = OFF").Error; err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if err := s.DB().Model(&store.Model{}).Where("id = ?", "b").Update("endpoint_id", dangling).Error; err != nil {
		t.Fatalf("point at missing endpoint: %v", err)
	}

	r := routing.New(s, defaultBackend, nil)
	for _, id := range []string{"a", "b"} {
		got, err := r.Resolve(context.Background(), id)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", id, err)
		}
		if got.EndpointID != nil || got.EndpointRPM != nil {
			t.Errorf("%s: endpoint should be treated as unset, got %+v", id, got)
		}
		if got.Upstream.BaseURL != defaultBackend.BaseURL || got.Upstream.Kind != "ollama" || got.Upstream.Model != "gpt-4o" {
			t.Errorf("%s: upstream = %+v", id, got.Upstream)
		}
	}
}

func TestResolve_UnknownModelIsDegradedNotAnError(t *testing.T) {
	s := storetest.New(t)

	got, err := routing.New(s, defaultBackend, nil).Resolve(context.Background(), "mistral")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Known {
		t.Error("unknown model must not be reported as known")
	}
	want := providers.Target{Kind: "ollama", Model: "mistral", BaseURL: defaultBackend.BaseURL, APIKey: "default-key"}
	if got.Upstream != want {
		t.Errorf("upstream = %+v, want %+v", got.Upstream, want)
	}
}

func TestResolve_UnrecognisedPrefixKeepsWholeName(t *testing.T) {
	s := storetest.New(t)
	storetest.Model(t, s, "hf", "meta-llama/Llama-3-8B", "0", "0")

	got, err := routing.New(s, routing.Backend{BaseURL: "http://vllm/v1"}, nil).Resolve(context.Background(), "hf")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Upstream.Model != "meta-llama/Llama-3-8B" || got.Upstream.Kind != "openai" {
		t.Errorf("upstream = %+v", got.Upstream)
	}
}

type failingStore struct{}

func (failingStore) FindModel(context.Context, string) (*store.Model, error) {
	return nil, errors.New("database is locked")
}

func (failingStore) FindEndpoint(context.Context, uint) (*store.Endpoint, error) {
	return nil, errors.New("database is locked")
}

func TestResolve_StoreFailure(t *testing.T) {
	if _, err := routing.New(failingStore{}, defaultBackend, nil).Resolve(context.Background(), "x"); err == nil {
		t.Fatal("expected store failure to surface")
	}
}

func TestTarget_Quotas(t *testing.T) {
	epID := uint(3)
	tgt := routing.Target{ModelID: "m", ModelRPM: storetest.Ptr(5), EndpointID: &epID, EndpointDay: storetest.Ptr(9)}

	tiers := ratelimit.Tiers(tgt.Quotas("k1", ratelimit.MustParseSpec("60/m")))

	var names []string
	for _, tr := range tiers {
		if !tr.Spec.IsZero() {
			names = append(names, tr.Name)
		}
	}
	want := []string{ratelimit.TierKey, ratelimit.TierModelRPM, ratelimit.TierEndpointDay}
	if len(names) != len(want) {
		t.Fatalf("configured tiers = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("tier[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}
