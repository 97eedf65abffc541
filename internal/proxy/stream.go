package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-meter/internal/providers"
	"github.com/nulpointcorp/llm-meter/pkg/apierr"
)

var errEmptyStreamError = errors.New("upstream stream failed")

// acceptedStreamError is a stream the upstream opened and then failed before
// producing any content. The prompt was consumed, so it is billed.
type acceptedStreamError struct{ err error }

func (e *acceptedStreamError) Error() string { return e.err.Error() }
func (e *acceptedStreamError) Unwrap() error { return e.err }

type (
	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	chunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}
)

// sseWriter renders chat.completion.chunk frames. Every frame is flushed on
// its own so a failed flush surfaces the disconnect at once.
type sseWriter struct {
	w        *bufio.Writer
	id       string
	model    string
	created  int64
	roleSent bool
}

func (s *sseWriter) frame(data []byte) error {
	_, _ = s.w.WriteString("data: ")
	_, _ = s.w.Write(data)
	_, _ = s.w.WriteString("\n\n")
	return s.w.Flush()
}

func (s *sseWriter) chunk(delta chunkDelta, finish *string) error {
	data, err := json.Marshal(chunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		return err
	}
	return s.frame(data)
}

func (s *sseWriter) delta(content string) error {
	d := chunkDelta{Content: content}
	if !s.roleSent {
		d.Role = "assistant"
	}
	if err := s.chunk(d, nil); err != nil {
		return err
	}
	s.roleSent = true
	return nil
}

func (s *sseWriter) finish(reason string) error {
	if reason == "" {
		reason = "stop"
	}
	return s.chunk(chunkDelta{}, &reason)
}

func (s *sseWriter) fail(msg string) error {
	return s.frame(apierr.Marshal(msg, apierr.TypeServerError, apierr.CodeUpstreamError))
}

func (s *sseWriter) done() error {
	_, _ = s.w.WriteString("data: [DONE]\n\n")
	return s.w.Flush()
}

// serveStream runs the streaming path. It reports whether the response was
// handed to a body stream writer, which then owns metrics finalisation.
func (g *Gateway) serveStream(ctx *fasthttp.RequestCtx, c *call, start time.Time, reqBytes int) bool {
	upCtx, cancel := context.WithTimeout(g.baseCtx, g.streamTimeout)

	events, first, err := g.openStream(upCtx, c)
	if err != nil {
		cancel()
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", c.reqID),
			slog.String("model", c.target.ModelID),
			slog.Bool("stream", true),
			slog.String("error", err.Error()),
		)
		var accepted *acceptedStreamError
		if errors.As(err, &accepted) {
			g.bill(c, "", g.deps.Counter.Completion(""))
		}
		apierr.WriteUpstream(ctx, err.Error())
		return false
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	sse := &sseWriter{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   c.target.ModelID,
		created: time.Now().Unix(),
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		sse.w = w
		var forwarded strings.Builder

		// Settlement runs here and only here, whatever ends the stream.
		defer func() {
			cancel()
			if r := recover(); r != nil {
				g.log.Error("stream_panic",
					slog.String("request_id", c.reqID),
					slog.Any("panic", r),
				)
			}

			text := forwarded.String()
			output := g.deps.Counter.Completion(text)
			g.bill(c, text, output)

			if g.metrics != nil {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(routeChat, fasthttp.StatusOK, time.Since(start), reqBytes)
			}
			g.log.Debug("stream_closed",
				slog.String("request_id", c.reqID),
				slog.String("model", c.target.ModelID),
				slog.Int("input_tokens", c.input.N),
				slog.Int("output_tokens", output.N),
				slog.Duration("elapsed", time.Since(start)),
			)
		}()

		upErr, writeErr := g.pump(upCtx, sse, first, events, &forwarded)
		if upErr != nil {
			g.log.Warn("stream_upstream_error",
				slog.String("request_id", c.reqID),
				slog.String("model", c.target.ModelID),
				slog.String("error", upErr.Error()),
			)
		}
		if writeErr != nil {
			g.log.Info("client_disconnected",
				slog.String("request_id", c.reqID),
				slog.String("error", writeErr.Error()),
			)
		}
	})

	return true
}

// openStream opens the upstream stream and peeks its first event so that an
// immediate failure can still be answered with a plain error status. The
// model's fallback is tried once before giving up; c is left describing the
// last attempt.
func (g *Gateway) openStream(ctx context.Context, c *call) (<-chan providers.Event, *providers.Event, error) {
	events, first, err := g.attemptStream(ctx, c)
	if err == nil {
		return events, first, nil
	}

	fb, ok := g.fallback(ctx, c, err)
	if !ok {
		return nil, nil, err
	}
	*c = *fb
	return g.attemptStream(ctx, c)
}

// attemptStream returns a nil first event when the stream closed empty.
func (g *Gateway) attemptStream(ctx context.Context, c *call) (<-chan providers.Event, *providers.Event, error) {
	start := time.Now()
	events, err := c.provider.Stream(ctx, c.target.Upstream, c.msgs, c.params)
	if err == nil {
		ev, ok := <-events
		switch {
		case !ok:
			g.observeAttempt(c.target.Upstream.Kind, nil, time.Since(start))
			return events, nil, nil
		case ev.Kind == providers.EventError:
			err = ev.Err
			if err == nil {
				err = errEmptyStreamError
			}
			g.observeAttempt(c.target.Upstream.Kind, err, time.Since(start))
			return nil, nil, &acceptedStreamError{err: err}
		default:
			g.observeAttempt(c.target.Upstream.Kind, nil, time.Since(start))
			return events, &ev, nil
		}
	}
	g.observeAttempt(c.target.Upstream.Kind, err, time.Since(start))
	return nil, nil, err
}

// pump forwards events until the upstream ends or the client goes away.
// Only content whose flush succeeded is appended to forwarded. An upstream
// failure becomes an inline error frame; the stream is always closed with
// [DONE] while the client is still there.
func (g *Gateway) pump(
	ctx context.Context,
	sse *sseWriter,
	first *providers.Event,
	events <-chan providers.Event,
	forwarded *strings.Builder,
) (upstreamErr, writeErr error) {
	next := func() (providers.Event, bool) {
		if first != nil {
			ev := *first
			first = nil
			return ev, true
		}
		ev, ok := <-events
		return ev, ok
	}

loop:
	for {
		ev, ok := next()
		if !ok {
			break
		}
		switch ev.Kind {
		case providers.EventDelta:
			if ev.Content == "" {
				continue
			}
			if err := sse.delta(ev.Content); err != nil {
				return nil, err
			}
			forwarded.WriteString(ev.Content)
		case providers.EventFinish:
			if err := sse.finish(ev.FinishReason); err != nil {
				return nil, err
			}
		case providers.EventError:
			upstreamErr = ev.Err
			if upstreamErr == nil {
				upstreamErr = errEmptyStreamError
			}
			break loop
		}
	}

	// Adapters stop silently on cancellation; report it as a failure.
	if upstreamErr == nil && ctx.Err() != nil {
		upstreamErr = fmt.Errorf("stream aborted: %w", ctx.Err())
	}
	if upstreamErr != nil {
		if err := sse.fail(upstreamErr.Error()); err != nil {
			return upstreamErr, err
		}
	}
	return upstreamErr, sse.done()
}
