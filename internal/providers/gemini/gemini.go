// Package gemini adapts the Google Gemini API (GenAI SDK) to
// providers.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-meter/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	kindName       = "gemini"
)

// Provider implements providers.Provider for Gemini. The SDK binds base URL
// and key at client construction, so one client is kept per pair.
type Provider struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[clientKey]*genai.Client
}

type clientKey struct {
	baseURL string
	apiKey  string
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the transport.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		httpClient: &http.Client{},
		clients:    make(map[clientKey]*genai.Client),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) client(ctx context.Context, t providers.Target) (*genai.Client, error) {
	k := clientKey{baseURL: t.BaseURL, apiKey: t.APIKey}
	if k.baseURL == "" {
		k.baseURL = defaultBaseURL
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[k]; ok {
		return c, nil
	}

	base, ver := splitBaseURLAndVersion(k.baseURL)
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      k.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, &providers.UpstreamError{Kind: kindName, Message: "client: " + err.Error(), Err: err}
	}
	p.clients[k] = c
	return c, nil
}

func (p *Provider) Complete(
	ctx context.Context,
	t providers.Target,
	msgs []providers.Message,
	params providers.Params,
) (*providers.Completion, error) {
	client, err := p.client(ctx, t)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(msgs, params)
	resp, err := client.Models.GenerateContent(ctx, t.Model, contents, cfg)
	if err != nil {
		return nil, toUpstreamError(err)
	}

	out := &providers.Completion{ID: resp.ResponseID, Model: t.Model, Content: resp.Text()}
	if out.ID == "" {
		out.ID = "gemini-" + uuid.NewString()
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = finishReason(resp.Candidates[0].FinishReason)
	}
	return out, nil
}

func (p *Provider) Stream(
	ctx context.Context,
	t providers.Target,
	msgs []providers.Message,
	params providers.Params,
) (<-chan providers.Event, error) {
	client, err := p.client(ctx, t)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(msgs, params)
	ch := make(chan providers.Event)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, t.Model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					providers.Send(ctx, ch, providers.Event{Kind: providers.EventError, Err: toUpstreamError(err)})
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			if text := candidateText(c); text != "" {
				if !providers.Send(ctx, ch, providers.Event{Kind: providers.EventDelta, Content: text}) {
					return
				}
			}
			if c.FinishReason != "" {
				if !providers.Send(ctx, ch, providers.Event{Kind: providers.EventFinish, FinishReason: finishReason(c.FinishReason)}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

// CountTokens uses the countTokens endpoint. System turns are counted as
// user turns.
func (p *Provider) CountTokens(ctx context.Context, t providers.Target, msgs []providers.Message) (int, error) {
	client, err := p.client(ctx, t)
	if err != nil {
		return 0, err
	}

	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		contents = append(contents, genai.NewContentFromText(m.Content, roleFor(m.Role)))
	}

	resp, err := client.Models.CountTokens(ctx, t.Model, contents, nil)
	if err != nil {
		return 0, toUpstreamError(err)
	}
	return int(resp.TotalTokens), nil
}

func buildContentsAndConfig(msgs []providers.Message, p providers.Params) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system strings.Builder
	contents := make([]*genai.Content, 0, len(msgs))

	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteByte('\n')
			}
			system.WriteString(m.Content)
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, roleFor(m.Role)))
		}
	}

	if system.Len() == 0 && p.Temperature == nil && p.MaxTokens <= 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if system.Len() > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system.String()}}}
	}
	if p.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*p.Temperature))
	}
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}
	return contents, cfg
}

func roleFor(role string) genai.Role {
	switch strings.ToLower(role) {
	case "assistant", "model":
		return genai.RoleModel
	default:
		return genai.RoleUser
	}
}

func candidateText(c *genai.Candidate) string {
	if c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func finishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	default:
		return strings.ToLower(string(r))
	}
}

// splitBaseURLAndVersion turns ".../v1beta" into the SDK's separate base URL
// and API version settings.
func splitBaseURLAndVersion(raw string) (baseURL, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = strings.Join(parts, "/")
	if u.Path != "" {
		u.Path = "/" + u.Path
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func toUpstreamError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.UpstreamError{
			Kind:       kindName,
			StatusCode: apiErr.Code,
			Message:    fmt.Sprintf("%s: %s", apiErr.Status, apiErr.Message),
			Err:        err,
		}
	}
	return &providers.UpstreamError{Kind: kindName, Message: err.Error(), Err: err}
}
