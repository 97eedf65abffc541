// Package providers defines the interface the gateway uses to talk to
// upstream completion backends, and the types shared by every adapter.
//
// Each wire protocol lives in its own sub-package (openai, anthropic, gemini)
// and is registered under one or more kinds in a Registry. An adapter is
// stateless with respect to the target: base URL and credential arrive with
// every call, so one adapter serves any number of endpoints.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend kinds. A kind names a wire protocol, not a vendor: "ollama" and any
// other OpenAI-compatible server are served by the openai adapter.
const (
	KindOpenAI    = "openai"
	KindOllama    = "ollama"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
)

var knownKinds = map[string]struct{}{
	KindOpenAI:    {},
	KindOllama:    {},
	KindAnthropic: {},
	KindGemini:    {},
}

// KnownKind reports whether k names a registered wire protocol.
func KnownKind(k string) bool {
	_, ok := knownKinds[strings.ToLower(k)]
	return ok
}

// SplitQualified splits a provider-qualified model name such as
// "ollama/llama3" into its kind and model. Names without a known kind prefix
// are returned whole with ok=false, so "meta-llama/Llama-3-8B" stays intact.
func SplitQualified(name string) (kind, model string, ok bool) {
	prefix, rest, found := strings.Cut(name, "/")
	if !found || rest == "" || !KnownKind(prefix) {
		return "", name, false
	}
	return strings.ToLower(prefix), rest, true
}

type (
	// Message is a single conversation turn.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Params carries the optional sampling controls of a request.
	Params struct {
		Temperature *float64
		MaxTokens   int
	}

	// Target is a fully resolved upstream call destination.
	Target struct {
		Kind    string
		Model   string
		BaseURL string
		APIKey  string
	}

	// Completion is a non-streaming result.
	Completion struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
	}
)

// EventKind tags a streaming Event.
type EventKind int

const (
	// EventDelta carries a piece of generated text.
	EventDelta EventKind = iota + 1
	// EventFinish carries the upstream finish reason. It may be followed by
	// nothing but channel close.
	EventFinish
	// EventError reports a failure after the stream opened. It is always
	// the last event.
	EventError
)

// Event is one item of a completion stream.
type Event struct {
	Kind         EventKind
	Content      string
	FinishReason string
	Err          error
}

// Provider is an upstream completion backend.
//
// Stream returns a channel that the adapter closes when the upstream is
// exhausted, fails, or ctx is cancelled. Adapters must stop reading upstream
// promptly once ctx is done.
type Provider interface {
	Complete(ctx context.Context, t Target, msgs []Message, p Params) (*Completion, error)
	Stream(ctx context.Context, t Target, msgs []Message, p Params) (<-chan Event, error)
	CountTokens(ctx context.Context, t Target, msgs []Message) (int, error)
}

// ErrTokenizerUnavailable is returned by CountTokens when the backend offers
// no token counting. Callers fall back to an estimate.
var ErrTokenizerUnavailable = errors.New("providers: tokenizer unavailable")

// Send delivers ev unless ctx is cancelled first. It reports whether the
// event was delivered.
func Send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// UpstreamError wraps a failure reported by a backend.
type UpstreamError struct {
	Kind       string
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// Registry maps backend kinds to adapters.
type Registry struct {
	byKind map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string]Provider)}
}

// Register binds p to each of kinds.
func (r *Registry) Register(p Provider, kinds ...string) {
	for _, k := range kinds {
		r.byKind[strings.ToLower(k)] = p
	}
}

// Get returns the adapter for kind. An empty kind means OpenAI-compatible.
func (r *Registry) Get(kind string) (Provider, error) {
	if kind == "" {
		kind = KindOpenAI
	}
	p, ok := r.byKind[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("providers: no adapter registered for kind %q", kind)
	}
	return p, nil
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}
