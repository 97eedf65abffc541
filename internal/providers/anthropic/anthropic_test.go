package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-meter/internal/providers"
)

func target(srv *httptest.Server) providers.Target {
	return providers.Target{Kind: providers.KindAnthropic, Model: "claude-3-5-sonnet", BaseURL: srv.URL, APIKey: "mock-api-key"}
}

var hello = []providers.Message{{Role: "user", Content: "Hello"}}

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Errorf("failed to decode request body as json: %v", err)
	}
	return m
}

func systemAsText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []any:
		if len(s) == 0 {
			return "", true
		}
		if m, ok := s[0].(map[string]any); ok {
			if txt, ok := m["text"].(string); ok {
				return txt, true
			}
		}
	}
	return "", false
}

func respondMessageJSON(w http.ResponseWriter, id, text, stop string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    id,
		"type":  "message",
		"role":  "assistant",
		"model": "claude-3-5-sonnet",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason":   stop,
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
	})
}

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": msg},
	})
}

func TestProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !isMessagesPath(r.URL.Path) {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "mock-api-key" {
			t.Errorf("missing or wrong x-api-key header: %q", got)
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("expected anthropic-version header to be present")
		}

		body := decodeJSONMap(t, r)
		if body["model"] != "claude-3-5-sonnet" {
			t.Errorf("model = %#v", body["model"])
		}
		if got, _ := body["max_tokens"].(float64); int(got) != defaultMaxTokens {
			t.Errorf("max_tokens = %#v, want %d", body["max_tokens"], defaultMaxTokens)
		}
		if _, ok := body["system"]; ok {
			t.Errorf("did not expect system field, got %#v", body["system"])
		}

		respondMessageJSON(w, "msg-123", "Hello, world!", "end_turn")
	}))
	defer srv.Close()

	resp, err := New().Complete(context.Background(), target(srv), hello, providers.Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "msg-123" || resp.Content != "Hello, world!" {
		t.Errorf("unexpected completion: %+v", resp)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q, want stop", resp.FinishReason)
	}
}

func TestProvider_Complete_SystemMessageExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)

		sysText, ok := systemAsText(body["system"])
		if !ok || sysText != "You are helpful." {
			t.Errorf("system = %#v", body["system"])
		}
		msgs, ok := body["messages"].([]any)
		if !ok || len(msgs) != 1 {
			t.Errorf("expected 1 message, got %#v", body["messages"])
		}
		if got, _ := body["max_tokens"].(float64); got != 12 {
			t.Errorf("max_tokens = %#v, want 12", body["max_tokens"])
		}

		respondMessageJSON(w, "msg-456", "Sure!", "max_tokens")
	}))
	defer srv.Close()

	msgs := []providers.Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "Help me"},
	}
	resp, err := New().Complete(context.Background(), target(srv), msgs, providers.Params{MaxTokens: 12})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Sure!" || resp.FinishReason != "length" {
		t.Errorf("unexpected completion: %+v", resp)
	}
}

func TestProvider_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)
		events := []string{
			"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg-1\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"claude-3-5-sonnet\",\"content\":[],\"usage\":{\"input_tokens\":1,\"output_tokens\":1}}}\n\n",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\",\"stop_sequence\":null},\"usage\":{\"output_tokens\":2}}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		}
		for _, ev := range events {
			fmt.Fprint(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	ch, err := New().Stream(context.Background(), target(srv), hello, providers.Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content strings.Builder
	var finish string
	for ev := range ch {
		switch ev.Kind {
		case providers.EventDelta:
			content.WriteString(ev.Content)
		case providers.EventFinish:
			finish = ev.FinishReason
		case providers.EventError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}

	if content.String() != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", content.String())
	}
	if finish != "stop" {
		t.Errorf("finish = %q, want stop", finish)
	}
}

func TestProvider_Errors(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, 529, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respondErrorJSON(w, status, "overloaded_error", "try later")
			}))
			defer srv.Close()

			_, err := New().Complete(context.Background(), target(srv), hello, providers.Params{})
			var uerr *providers.UpstreamError
			if !errors.As(err, &uerr) {
				t.Fatalf("expected *providers.UpstreamError, got %T: %v", err, err)
			}
			if uerr.HTTPStatus() != status || uerr.Kind != "anthropic" || uerr.Message == "" {
				t.Errorf("unexpected error: %+v", uerr)
			}
			if !strings.Contains(uerr.Error(), "anthropic") {
				t.Errorf("Error() should mention the backend, got %s", uerr.Error())
			}
		})
	}
}

func TestProvider_CountTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages/count_tokens") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body := decodeJSONMap(t, r)
		if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
			t.Errorf("expected system turn folded into messages, got %#v", body["messages"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"input_tokens": 17}`)
	}))
	defer srv.Close()

	msgs := []providers.Message{
		{Role: "system", Content: "Be terse."},
		{Role: "user", Content: "Hi"},
	}
	n, err := New().CountTokens(context.Background(), target(srv), msgs)
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 17 {
		t.Errorf("tokens = %d, want 17", n)
	}
}

func TestFinishReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_use",
	}
	for in, want := range cases {
		if got := finishReason(in); got != want {
			t.Errorf("finishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
