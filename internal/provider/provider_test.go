package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestOpenAI_ChatWithToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "gpt-test" || len(req.Tools) != 1 {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"id":"c1","model":"gpt-test","choices":[{"message":{"role":"assistant","content":"","tool_calls":[{"id":"t1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"a.txt\"}"}}]},"finish_reason":"tool_calls"}],"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL, APIKey: "sk-test", Model: "gpt-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools:    []Tool{{Type: "function", Function: ToolFunction{Name: "read_file"}}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "read_file" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropic_ToolUseBecomesToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.System != "be brief" || len(req.Messages) != 1 || len(req.Tools) != 1 {
			t.Errorf("request = %+v", req)
		}
		if req.Tools[0].Name != "done" {
			t.Errorf("tool = %+v", req.Tools[0])
		}
		w.Write([]byte(`{"id":"m1","model":"claude-test","content":[{"type":"text","text":"resting"},{"type":"tool_use","id":"tu1","name":"done","input":{"rest":true}}],"stop_reason":"tool_use","usage":{"input_tokens":5,"output_tokens":3}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "claude", Endpoint: srv.URL, Model: "claude-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "tick"}},
		Tools:    []Tool{{Type: "function", Function: ToolFunction{Name: "done"}}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "resting" || resp.Usage.TotalTokens != 8 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Arguments != `{"rest":true}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

type scripted struct {
	id    string
	errs  []error
	calls atomic.Int32
}

func (s *scripted) ID() string   { return s.id }
func (s *scripted) Name() string { return s.id }
func (s *scripted) Chat(context.Context, *ChatRequest) (*ChatResponse, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return nil, s.errs[n]
	}
	return &ChatResponse{Content: s.id}, nil
}

func fastRouter() *Router {
	r := NewRouter(zap.NewNop())
	r.SetRetry(RetryPolicy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond})
	return r
}

func TestRouter_RetriesServerErrors(t *testing.T) {
	r := fastRouter()
	p := &scripted{id: "a", errs: []error{
		&APIError{Status: 503}, &APIError{Status: 502},
	}}
	r.Register(p)

	resp, err := r.Route(context.Background(), PurposeDecide, &ChatRequest{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Content != "a" || p.calls.Load() != 3 {
		t.Errorf("content %q after %d calls", resp.Content, p.calls.Load())
	}
}

func TestRouter_NoRetryOnClientError(t *testing.T) {
	r := fastRouter()
	p := &scripted{id: "a", errs: []error{&APIError{Status: 400}}}
	r.Register(p)

	_, err := r.Route(context.Background(), PurposeDecide, &ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Fatalf("err = %v", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", p.calls.Load())
	}
}

func TestRouter_BindingAndFallback(t *testing.T) {
	r := fastRouter()
	down := &scripted{id: "down", errs: []error{&APIError{Status: 500}, &APIError{Status: 500}, &APIError{Status: 500}}}
	backup := &scripted{id: "backup"}
	r.Register(backup)
	r.Register(down)
	r.Bind(PurposeDream, "down")
	r.SetFallbacks(PurposeDream, []string{"backup"})

	resp, err := r.Route(context.Background(), PurposeDream, &ChatRequest{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Content != "backup" {
		t.Errorf("served by %q, want backup", resp.Content)
	}
	if down.calls.Load() != 3 {
		t.Errorf("down tried %d times, want 3", down.calls.Load())
	}

	resp, err = r.Route(context.Background(), PurposeDecide, &ChatRequest{})
	if err != nil || resp.Content != "backup" {
		t.Errorf("unbound purpose should use default: %v %v", resp, err)
	}
}

func TestRouter_EmptyAndUnknownType(t *testing.T) {
	if _, err := NewRouter(zap.NewNop()).Route(context.Background(), PurposeDecide, &ChatRequest{}); err == nil {
		t.Error("empty router routed a request")
	}
	if _, err := New(ProviderConfig{Type: "carrier-pigeon"}, zap.NewNop()); err == nil {
		t.Error("unknown provider type accepted")
	}
}

func TestOpenAI_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL, Model: "gpt-test"}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.RetryAfter != 7*time.Second || !IsRetryable(err) {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{" 12 ", 12 * time.Second},
		{"-1", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.in); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
