// Package seed loads a YAML fixture of users, endpoints, models and keys
// into the store.
//
// A fixture is validated in full before anything is written, so a typo in
// the last model does not leave half the users behind. Raw API keys are
// returned once from Apply and are not recoverable afterwards.
//
//	endpoints:
//	  - name: openai
//	    base_url: https://api.openai.com/v1
//	    kind: openai
//	    api_key: ${OPENAI_API_KEY}
//	    rpm_limit: 500
//	models:
//	  - id: gpt-4o
//	    provider_name: gpt-4o
//	    endpoint: openai
//	    price_in: "0.0000025"
//	    price_out: "0.00001"
//	    fallback: llama3
//	  - id: llama3
//	    provider_name: ollama/llama3
//	users:
//	  - username: alice
//	    balance: "10.00"
//	    keys:
//	      - name: laptop
//	        rate_limit: 120/m
//	        log_content: true
//
// String values are expanded against the environment, so upstream
// credentials need not live in the fixture file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/llm-meter/internal/providers"
	"github.com/nulpointcorp/llm-meter/internal/ratelimit"
	"github.com/nulpointcorp/llm-meter/internal/store"
)

type Fixture struct {
	Endpoints []EndpointFixture `yaml:"endpoints"`
	Models    []ModelFixture    `yaml:"models"`
	Users     []UserFixture     `yaml:"users"`
}

type EndpointFixture struct {
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"base_url"`
	Kind     string `yaml:"kind"`
	APIKey   string `yaml:"api_key"`
	RPMLimit *int   `yaml:"rpm_limit"`
	DayLimit *int   `yaml:"day_limit"`
	Inactive bool   `yaml:"inactive"`
}

type ModelFixture struct {
	ID           string `yaml:"id"`
	ProviderName string `yaml:"provider_name"`
	Endpoint     string `yaml:"endpoint"`
	PriceIn      string `yaml:"price_in"`
	PriceOut     string `yaml:"price_out"`
	RPMLimit     *int   `yaml:"rpm_limit"`
	DayLimit     *int   `yaml:"day_limit"`
	Fallback     string `yaml:"fallback"`
	Inactive     bool   `yaml:"inactive"`
}

type UserFixture struct {
	Username string       `yaml:"username"`
	Balance  string       `yaml:"balance"`
	Inactive bool         `yaml:"inactive"`
	Keys     []KeyFixture `yaml:"keys"`
}

type KeyFixture struct {
	Name       string `yaml:"name"`
	RateLimit  string `yaml:"rate_limit"`
	LogContent bool   `yaml:"log_content"`
	Inactive   bool   `yaml:"inactive"`
}

// IssuedKey is a raw key minted by Apply.
type IssuedKey struct {
	Username string
	Name     string
	Raw      string
}

// Store is the write access Apply needs.
type Store interface {
	CreateUser(ctx context.Context, u *store.User) error
	CreateEndpoint(ctx context.Context, e *store.Endpoint) error
	CreateModel(ctx context.Context, m *store.Model) error
	IssueKey(ctx context.Context, key *store.APIKey) (string, error)
}

// Load reads and parses the fixture at path.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a fixture, expands environment references and validates it.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("seed: parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks references and formats without touching the store.
func (f *Fixture) Validate() error {
	var errs []error

	endpoints := make(map[string]bool, len(f.Endpoints))
	for i, e := range f.Endpoints {
		switch {
		case e.Name == "":
			errs = append(errs, fmt.Errorf("endpoints[%d]: name is required", i))
		case endpoints[e.Name]:
			errs = append(errs, fmt.Errorf("endpoint %q: duplicate name", e.Name))
		}
		endpoints[e.Name] = true
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("endpoint %q: base_url is required", e.Name))
		}
		if e.Kind != "" && !providers.KnownKind(e.Kind) {
			errs = append(errs, fmt.Errorf("endpoint %q: unknown kind %q", e.Name, e.Kind))
		}
	}

	models := make(map[string]bool, len(f.Models))
	for _, m := range f.Models {
		models[m.ID] = true
	}
	seen := make(map[string]bool, len(f.Models))
	for i, m := range f.Models {
		switch {
		case m.ID == "":
			errs = append(errs, fmt.Errorf("models[%d]: id is required", i))
		case seen[m.ID]:
			errs = append(errs, fmt.Errorf("model %q: duplicate id", m.ID))
		}
		seen[m.ID] = true
		if m.ProviderName == "" {
			errs = append(errs, fmt.Errorf("model %q: provider_name is required", m.ID))
		}
		if m.Endpoint != "" && !endpoints[m.Endpoint] {
			errs = append(errs, fmt.Errorf("model %q: unknown endpoint %q", m.ID, m.Endpoint))
		}
		if m.Fallback != "" && (m.Fallback == m.ID || !models[m.Fallback]) {
			errs = append(errs, fmt.Errorf("model %q: invalid fallback %q", m.ID, m.Fallback))
		}
		for field, v := range map[string]string{"price_in": m.PriceIn, "price_out": m.PriceOut} {
			if _, err := parsePrice(v); err != nil {
				errs = append(errs, fmt.Errorf("model %q: %s: %w", m.ID, field, err))
			}
		}
	}

	users := make(map[string]bool, len(f.Users))
	for i, u := range f.Users {
		switch {
		case u.Username == "":
			errs = append(errs, fmt.Errorf("users[%d]: username is required", i))
		case users[u.Username]:
			errs = append(errs, fmt.Errorf("user %q: duplicate username", u.Username))
		}
		users[u.Username] = true
		if _, err := parseAmount(u.Balance); err != nil {
			errs = append(errs, fmt.Errorf("user %q: balance: %w", u.Username, err))
		}
		for _, k := range u.Keys {
			if k.RateLimit == "" {
				continue
			}
			if _, err := ratelimit.ParseSpec(k.RateLimit); err != nil {
				errs = append(errs, fmt.Errorf("user %q key %q: %w", u.Username, k.Name, err))
			}
		}
	}

	return errors.Join(errs...)
}

// Apply writes the fixture. Endpoints go first so models can reference
// them; keys are issued after their owner exists.
func Apply(ctx context.Context, s Store, f *Fixture) ([]IssuedKey, error) {
	endpointIDs := make(map[string]uint, len(f.Endpoints))
	for _, e := range f.Endpoints {
		ep := &store.Endpoint{
			Name:     e.Name,
			BaseURL:  e.BaseURL,
			Kind:     e.Kind,
			RPMLimit: e.RPMLimit,
			DayLimit: e.DayLimit,
			IsActive: !e.Inactive,
		}
		if e.APIKey != "" {
			ep.APIKey = &e.APIKey
		}
		if err := s.CreateEndpoint(ctx, ep); err != nil {
			return nil, err
		}
		endpointIDs[e.Name] = ep.ID
	}

	for _, m := range f.Models {
		priceIn, _ := parsePrice(m.PriceIn)
		priceOut, _ := parsePrice(m.PriceOut)
		model := &store.Model{
			ID:           m.ID,
			ProviderName: m.ProviderName,
			PriceIn:      priceIn,
			PriceOut:     priceOut,
			RPMLimit:     m.RPMLimit,
			DayLimit:     m.DayLimit,
			IsActive:     !m.Inactive,
		}
		if m.Endpoint != "" {
			id := endpointIDs[m.Endpoint]
			model.EndpointID = &id
		}
		if m.Fallback != "" {
			fallback := m.Fallback
			model.FallbackModelID = &fallback
		}
		if err := s.CreateModel(ctx, model); err != nil {
			return nil, err
		}
	}

	var issued []IssuedKey
	for _, u := range f.Users {
		balance, _ := parseAmount(u.Balance)
		user := &store.User{Username: u.Username, Balance: balance, IsActive: !u.Inactive}
		if err := s.CreateUser(ctx, user); err != nil {
			return issued, err
		}

		for _, k := range u.Keys {
			key := &store.APIKey{
				UserID:     user.ID,
				Name:       k.Name,
				IsActive:   !k.Inactive,
				LogContent: k.LogContent,
			}
			if k.RateLimit != "" {
				limit := k.RateLimit
				key.RateLimitModel = &limit
			}
			raw, err := s.IssueKey(ctx, key)
			if err != nil {
				return issued, fmt.Errorf("seed: key %q for %q: %w", k.Name, u.Username, err)
			}
			issued = append(issued, IssuedKey{Username: u.Username, Name: k.Name, Raw: raw})
		}
	}

	return issued, nil
}

// parsePrice reads a per-token price. Empty means free.
func parsePrice(v string) (decimal.Decimal, error) {
	d, err := parseAmount(v)
	if err != nil {
		return d, err
	}
	if d.IsNegative() {
		return d, fmt.Errorf("%q must not be negative", v)
	}
	return d, nil
}

func parseAmount(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q is not a decimal", v)
	}
	return d, nil
}
