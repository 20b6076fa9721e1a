package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"metered-gateway/internal/config"
	"metered-gateway/internal/models"
	"metered-gateway/internal/provider"
	"metered-gateway/internal/resilience"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, apiKey string) (*Provider, *resilience.BreakerRegistry) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	exec := resilience.NewExecutor(resilience.Config{
		MaxRetries: 2,
		Timeout:    2 * time.Second,
	}, breakers, resilience.WithSleep(func(context.Context, time.Duration) error { return nil }))

	p, err := New("gemini", config.ProviderConfig{
		APIKey:  apiKey,
		BaseURL: srv.URL,
		Models:  []config.ModelConfig{{ID: "gemini-2.5-flash"}},
		Headers: map[string]string{"X-Goog-User-Project": "proj"},
	}, srv.Client(), exec)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p, breakers
}

func chatRequest() models.ChatRequest {
	return models.ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []models.Message{
			models.TextMessage(models.RoleSystem, "Be brief."),
			models.TextMessage(models.RoleUser, "Hello"),
		},
	}
}

func TestGenerateSendsNativeRequest(t *testing.T) {
	var gotPath, gotKey, gotProject string
	var gotBody map[string]any

	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		gotProject = r.Header.Get("X-Goog-User-Project")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hi!"}]},"finishReason":"STOP"}]}`)
	}, "secret")

	resp, err := p.Generate(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text() != "Hi!" {
		t.Errorf("text = %q", resp.Text())
	}
	if gotPath != "/models/gemini-2.5-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "secret" || gotProject != "proj" {
		t.Errorf("headers = key %q project %q", gotKey, gotProject)
	}
	sys, ok := gotBody["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatalf("systemInstruction missing from body: %v", gotBody)
	}
	if text := sys["parts"].([]any)[0].(map[string]any)["text"]; text != "Be brief." {
		t.Errorf("system text = %v", text)
	}
	if contents := gotBody["contents"].([]any); len(contents) != 1 {
		t.Errorf("contents = %v, want only the user turn", contents)
	}
}

func TestGenerateMissingAPIKey(t *testing.T) {
	var calls int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}, "")

	_, err := p.Generate(context.Background(), chatRequest())
	if !errors.Is(err, provider.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("no request should be sent without an api key")
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}, "secret")

	resp, err := p.Generate(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text() != "ok" || atomic.LoadInt32(&calls) != 2 {
		t.Errorf("text %q after %d calls", resp.Text(), calls)
	}
}

func TestGeneratePermanentErrorNotRetried(t *testing.T) {
	var calls int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"Invalid JSON payload","status":"INVALID_ARGUMENT"}}`)
	}, "secret")

	_, err := p.Generate(context.Background(), chatRequest())
	var perr *provider.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *provider.Error, got %v", err)
	}
	if perr.Kind != provider.KindPermanent || perr.Status != http.StatusBadRequest || perr.Message != "Invalid JSON payload" {
		t.Errorf("unexpected error: %+v", perr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("permanent error retried: %d calls", calls)
	}
}

func TestGenerateServerErrorOpensBreaker(t *testing.T) {
	p, breakers := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, "secret")

	for i := 0; i < 3; i++ {
		_, err := p.Generate(context.Background(), chatRequest())
		if !errors.Is(err, provider.ErrTransient) && !errors.Is(err, provider.ErrCircuitOpen) {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
	}

	// Each call makes two attempts, so five failures trip the default breaker.
	if snap := breakers.Snapshot("gemini"); snap.State != resilience.StateOpen {
		t.Fatalf("breaker state = %q, want open", snap.State)
	}
	_, err := p.Generate(context.Background(), chatRequest())
	if !errors.Is(err, provider.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
}

func TestGenerateDecodeError(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}, "secret")

	_, err := p.Generate(context.Background(), chatRequest())
	if !errors.Is(err, provider.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}
