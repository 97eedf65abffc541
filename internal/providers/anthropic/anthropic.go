// Package anthropic adapts the Anthropic Messages API to providers.Provider.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-meter/internal/providers"
)

const (
	kindName         = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider using the official SDK.
type Provider struct {
	client anthropic.Client
}

// Option configures a Provider.
type Option func(*config)

type config struct {
	httpClient *http.Client
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

func New(opts ...Option) *Provider {
	cfg := config{httpClient: &http.Client{}}
	for _, o := range opts {
		o(&cfg)
	}

	return &Provider{
		client: anthropic.NewClient(
			option.WithHTTPClient(cfg.httpClient),
			option.WithMaxRetries(0),
			option.WithHeaderDel("x-api-key"),
		),
	}
}

func (p *Provider) Complete(
	ctx context.Context,
	t providers.Target,
	msgs []providers.Message,
	params providers.Params,
) (*providers.Completion, error) {
	msg, err := p.client.Messages.New(ctx, buildParams(t, msgs, params), requestOptions(t)...)
	if err != nil {
		return nil, toUpstreamError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if v, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}

	return &providers.Completion{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: finishReason(string(msg.StopReason)),
	}, nil
}

func (p *Provider) Stream(
	ctx context.Context,
	t providers.Target,
	msgs []providers.Message,
	params providers.Params,
) (<-chan providers.Event, error) {
	stream := p.client.Messages.NewStreaming(ctx, buildParams(t, msgs, params), requestOptions(t)...)
	ch := make(chan providers.Event)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			var ev providers.Event

			switch v := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				delta, ok := v.Delta.AsAny().(anthropic.TextDelta)
				if !ok || delta.Text == "" {
					continue
				}
				ev = providers.Event{Kind: providers.EventDelta, Content: delta.Text}
			case anthropic.MessageDeltaEvent:
				if v.Delta.StopReason == "" {
					continue
				}
				ev = providers.Event{Kind: providers.EventFinish, FinishReason: finishReason(string(v.Delta.StopReason))}
			default:
				continue
			}

			if !providers.Send(ctx, ch, ev) {
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			providers.Send(ctx, ch, providers.Event{Kind: providers.EventError, Err: toUpstreamError(err)})
		}
	}()

	return ch, nil
}

// CountTokens asks the count_tokens endpoint for the prompt size. System
// turns are counted as user turns.
func (p *Provider) CountTokens(ctx context.Context, t providers.Target, msgs []providers.Message) (int, error) {
	sdkMsgs := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		sdkMsgs = append(sdkMsgs, toSDKMessage(m.Role, m.Content))
	}

	res, err := p.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(t.Model),
		Messages: sdkMsgs,
	}, requestOptions(t)...)
	if err != nil {
		return 0, toUpstreamError(err)
	}
	return int(res.InputTokens), nil
}

func buildParams(t providers.Target, msgs []providers.Message, p providers.Params) anthropic.MessageNewParams {
	var system strings.Builder
	sdkMsgs := make([]anthropic.MessageParam, 0, len(msgs))

	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteByte('\n')
			}
			system.WriteString(m.Content)
		default:
			sdkMsgs = append(sdkMsgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	out := anthropic.MessageNewParams{
		Model:     anthropic.Model(t.Model),
		MaxTokens: int64(maxTokens),
		Messages:  sdkMsgs,
	}
	if system.Len() > 0 {
		out.System = []anthropic.TextBlockParam{{Text: system.String()}}
	}
	if p.Temperature != nil {
		out.Temperature = anthropic.Float(*p.Temperature)
	}
	return out
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := anthropic.MessageParamRoleUser
	if strings.EqualFold(role, "assistant") {
		r = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: r,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func requestOptions(t providers.Target) []option.RequestOption {
	var opts []option.RequestOption
	if t.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(t.BaseURL))
	}
	if t.APIKey != "" {
		opts = append(opts, option.WithAPIKey(t.APIKey))
	}
	return opts
}

// finishReason maps Anthropic stop reasons onto the OpenAI vocabulary the
// gateway speaks.
func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stop
	}
}

func toUpstreamError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.UpstreamError{
			Kind:       kindName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Err:        err,
		}
	}
	return &providers.UpstreamError{Kind: kindName, Message: err.Error(), Err: err}
}
