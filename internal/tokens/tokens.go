// Package tokens meters prompt and completion sizes.
//
// The backend's own tokenizer is preferred. When the backend has none, or the
// count request fails, the size is estimated at four characters per token.
// Every Count says which method produced it.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"unicode/utf8"

	"github.com/nulpointcorp/llm-meter/internal/providers"
)

// Source names the method behind a Count.
type Source string

const (
	SourceTokenizer Source = "tokenizer"
	SourceHeuristic Source = "heuristic"
)

const charsPerToken = 4

// Count is a metered size.
type Count struct {
	N      int
	Source Source
}

// Estimate approximates the token count of text as ceil(runes/4).
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateMessages estimates the concatenated content of msgs.
func EstimateMessages(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += utf8.RuneCountInString(m.Content)
	}
	return (total + charsPerToken - 1) / charsPerToken
}

// FallbackRecorder observes heuristic fallbacks.
type FallbackRecorder interface {
	RecordTokenizerFallback(kind string)
}

// Counter counts prompts through the backend's tokenizer when one exists.
type Counter struct {
	log *slog.Logger
	rec FallbackRecorder
}

func NewCounter(log *slog.Logger, rec FallbackRecorder) *Counter {
	if log == nil {
		log = slog.Default()
	}
	return &Counter{log: log, rec: rec}
}

// Prompt counts msgs for target t using p. It never fails: any tokenizer
// error degrades to the estimate.
func (c *Counter) Prompt(ctx context.Context, p providers.Provider, t providers.Target, msgs []providers.Message) Count {
	n, err := p.CountTokens(ctx, t, msgs)
	if err == nil {
		return Count{N: n, Source: SourceTokenizer}
	}

	if !errors.Is(err, providers.ErrTokenizerUnavailable) {
		c.log.DebugContext(ctx, "tokenizer_failed",
			slog.String("kind", t.Kind),
			slog.String("model", t.Model),
			slog.String("error", err.Error()),
		)
	}
	if c.rec != nil {
		c.rec.RecordTokenizerFallback(t.Kind)
	}
	return Count{N: EstimateMessages(msgs), Source: SourceHeuristic}
}

// Completion counts generated text. No backend exposes a tokenizer for
// output text, so this is always the estimate.
func (c *Counter) Completion(text string) Count {
	return Count{N: Estimate(text), Source: SourceHeuristic}
}
