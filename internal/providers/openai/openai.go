// Package openai adapts OpenAI-compatible chat completion servers, including
// Ollama's /v1 surface, to providers.Provider.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-meter/internal/providers"
)

const kindName = "openai"

type Provider struct {
	client openaiSDK.Client
}

type Option func(*config)

type config struct {
	httpClient *http.Client
}

// WithHTTPClient overrides the transport. Timeouts belong on the request
// context, not on the client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

func New(opts ...Option) *Provider {
	cfg := config{httpClient: &http.Client{}}
	for _, o := range opts {
		o(&cfg)
	}

	return &Provider{
		client: openaiSDK.NewClient(
			option.WithHTTPClient(cfg.httpClient),
			option.WithMaxRetries(0),
			// Never forward a key picked up from the environment; each
			// target brings its own.
			option.WithHeaderDel("authorization"),
		),
	}
}

func (p *Provider) Complete(
	ctx context.Context,
	t providers.Target,
	msgs []providers.Message,
	params providers.Params,
) (*providers.Completion, error) {
	resp, err := p.client.Chat.Completions.New(ctx, buildParams(t, msgs, params), requestOptions(t)...)
	if err != nil {
		return nil, toUpstreamError(err)
	}

	out := &providers.Completion{ID: resp.ID, Model: resp.Model}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out, nil
}

func (p *Provider) Stream(
	ctx context.Context,
	t providers.Target,
	msgs []providers.Message,
	params providers.Params,
) (<-chan providers.Event, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, buildParams(t, msgs, params), requestOptions(t)...)
	ch := make(chan providers.Event)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.Delta.Content != "" {
				if !providers.Send(ctx, ch, providers.Event{Kind: providers.EventDelta, Content: c.Delta.Content}) {
					return
				}
			}
			if c.FinishReason != "" {
				if !providers.Send(ctx, ch, providers.Event{Kind: providers.EventFinish, FinishReason: c.FinishReason}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			providers.Send(ctx, ch, providers.Event{Kind: providers.EventError, Err: toUpstreamError(err)})
		}
	}()

	return ch, nil
}

// CountTokens is not offered by the OpenAI-compatible surface; callers
// estimate instead.
func (p *Provider) CountTokens(context.Context, providers.Target, []providers.Message) (int, error) {
	return 0, providers.ErrTokenizerUnavailable
}

func buildParams(t providers.Target, msgs []providers.Message, p providers.Params) openaiSDK.ChatCompletionNewParams {
	out := openaiSDK.ChatCompletionNewParams{
		Messages: make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(msgs)),
		Model:    t.Model,
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toSDKMessage(m.Role, m.Content))
	}
	if p.Temperature != nil {
		out.Temperature = openaiSDK.Float(*p.Temperature)
	}
	// max_tokens rather than max_completion_tokens: Ollama and most
	// compatible servers only understand the former.
	if p.MaxTokens > 0 {
		out.MaxTokens = openaiSDK.Int(int64(p.MaxTokens))
	}
	return out
}

func requestOptions(t providers.Target) []option.RequestOption {
	var opts []option.RequestOption
	if t.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(t.BaseURL, "/")+"/"))
	}
	if t.APIKey != "" {
		opts = append(opts, option.WithAPIKey(t.APIKey))
	}
	return opts
}

func toUpstreamError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		msg := apierr.Message
		if msg == "" {
			msg = http.StatusText(apierr.StatusCode)
		}
		return &providers.UpstreamError{
			Kind:       kindName,
			StatusCode: apierr.StatusCode,
			Message:    msg,
			Err:        err,
		}
	}
	return &providers.UpstreamError{Kind: kindName, Message: err.Error(), Err: err}
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
