package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/viimlabs/viim-gateway/config"
	"github.com/viimlabs/viim-gateway/internal/auth"
	"github.com/viimlabs/viim-gateway/internal/provider"
	"github.com/viimlabs/viim-gateway/internal/subscription"
	"github.com/viimlabs/viim-gateway/internal/usage"
	"github.com/viimlabs/viim-gateway/pkg/ratelimit"
)

// Mock usage reporter
type mockReporter struct {
	mu      sync.Mutex
	records []usage.Record
}

func (m *mockReporter) Enqueue(rec usage.Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return true
}

func (m *mockReporter) last(t *testing.T) usage.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("Expected a usage record to be enqueued")
	}
	return m.records[len(m.records)-1]
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// Test Suite
func setupTest(providers []provider.Provider, limiterAllowed bool) (*Handler, *mockReporter, *usage.MemoryStore) {
	limits := config.DefaultMeterLimits()
	router := NewRouter(providers)
	usageStore := usage.NewMemoryStore(limits)
	ledger := usage.NewLedger(usageStore, limits)
	checker := usage.NewChecker(subscription.NewMemoryStore(), ledger, limits)
	reporter := &mockReporter{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	return NewHandler(router, checker, ledger, reporter, limiter, tracer), reporter, usageStore
}

func TestHandleComplete_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "unauthorized" {
		t.Errorf("Expected unauthorized error, got %v", resp["error"])
	}
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	reqBody := strings.NewReader(`{invalid json}`)
	req := httptest.NewRequest("POST", "/v1/chat/completions", reqBody)
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "invalid request body" {
		t.Errorf("Expected invalid request body error, got %v", resp["error"])
	}
}

func TestHandleComplete_EntitlementDenied(t *testing.T) {
	h, _, usageStore := setupTest(nil, true)

	// Exhaust the free trial ahead of the call.
	if err := usageStore.LockFreeTrial(context.Background(), "test-user", time.Now()); err != nil {
		t.Fatalf("LockFreeTrial failed: %v", err)
	}

	reqBody, _ := json.Marshal(map[string]string{"model": "gpt-4o-mini"})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["code"] != "FREE_TRIAL_EXHAUSTED" {
		t.Errorf("Expected FREE_TRIAL_EXHAUSTED code, got %v", resp["code"])
	}
	if resp["error"] == "" {
		t.Error("Expected a human-readable denial reason")
	}
}

func TestHandleComplete_RateLimited(t *testing.T) {
	h, _, _ := setupTest(nil, false)
	reqBody, _ := json.Marshal(map[string]string{"model": "gpt-4o-mini"})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "rate limit exceeded" {
		t.Errorf("Expected rate limit exceeded error, got %v", resp["error"])
	}
	if w.Header().Get("Retry-After") != "60s" {
		t.Errorf("Expected Retry-After: 60s header, got %s", w.Header().Get("Retry-After"))
	}
}

func TestHandleComplete_ProviderUnavailable(t *testing.T) {
	// Router.Route will return error if no providers match or all are down
	h, _, _ := setupTest([]provider.Provider{}, true)
	reqBody, _ := json.Marshal(map[string]string{"model": "gpt-4o-mini"})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Errorf("Expected error message, got empty")
	}
}

func TestHandleComplete_Success(t *testing.T) {
	p := &MockProvider{
		name:            "test-provider",
		supportedModels: []string{"gpt-4o-mini"},
	}
	h, reporter, _ := setupTest([]provider.Provider{p}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":      "gpt-4o-mini",
		"max_tokens": 100,
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp["model"] != "gpt-4o-mini" {
		t.Errorf("Expected model gpt-4o-mini, got %v", resp["model"])
	}
	if resp["provider"] != "test-provider" {
		t.Errorf("Expected provider test-provider, got %v", resp["provider"])
	}

	choices := resp["choices"].([]interface{})
	if len(choices) != 1 {
		t.Errorf("Expected 1 choice, got %d", len(choices))
	}
	message := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	if message["content"] != "mock" {
		t.Errorf("Expected content 'mock', got %v", message["content"])
	}

	usageBlock := resp["usage"].(map[string]interface{})
	if usageBlock["total_tokens"].(float64) != 30 {
		t.Errorf("Expected 30 total tokens, got %v", usageBlock["total_tokens"])
	}

	rec := reporter.last(t)
	if rec.UserID != "test-user" {
		t.Errorf("Expected record for test-user, got %s", rec.UserID)
	}
	if rec.PromptTokens != 10 || rec.CompletionTokens != 20 {
		t.Errorf("Expected 10/20 tokens in record, got %d/%d", rec.PromptTokens, rec.CompletionTokens)
	}
	if rec.Model != "gpt-4o-mini" {
		t.Errorf("Expected model in record, got %s", rec.Model)
	}
}

func TestHandleCompleteStream_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", nil)
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleCompleteStream_Success(t *testing.T) {
	p := &MockStreamProvider{
		MockProvider: MockProvider{
			name:            "test-provider",
			supportedModels: []string{"gpt-4o-mini"},
		},
		chunks: []*provider.Chunk{
			{Delta: "hello"},
			{Delta: " world"},
			{Done: true, Usage: &provider.Usage{PromptTokens: 7, CompletionTokens: 13}},
		},
	}

	h, reporter, _ := setupTest([]provider.Provider{p}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":  "gpt-4o-mini",
		"stream": true,
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"},\"index\":0}]}") {
		t.Errorf("Body missing first chunk: %s", body)
	}
	if !strings.Contains(body, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"},\"index\":0}]}") {
		t.Errorf("Body missing second chunk: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Body missing DONE marker: %s", body)
	}

	// The terminal chunk's usage must reach the reporter.
	rec := reporter.last(t)
	if rec.PromptTokens != 7 || rec.CompletionTokens != 13 {
		t.Errorf("Expected 7/13 tokens in record, got %d/%d", rec.PromptTokens, rec.CompletionTokens)
	}
}

func TestHandleCompleteStream_NoUsageStillReported(t *testing.T) {
	// Provider closed without a usage frame; the record lands with zero
	// counts rather than not at all.
	p := &MockStreamProvider{
		MockProvider: MockProvider{
			name:            "test-provider",
			supportedModels: []string{"gpt-4o-mini"},
		},
		chunks: []*provider.Chunk{
			{Delta: "partial"},
			{Done: true},
		},
	}

	h, reporter, _ := setupTest([]provider.Provider{p}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{"model": "gpt-4o-mini", "stream": true})
	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	rec := reporter.last(t)
	if rec.PromptTokens != 0 || rec.CompletionTokens != 0 {
		t.Errorf("Expected zero counts, got %d/%d", rec.PromptTokens, rec.CompletionTokens)
	}
	if rec.Model != "gpt-4o-mini" {
		t.Errorf("Expected model in record, got %s", rec.Model)
	}
}

type MockStreamProvider struct {
	MockProvider
	chunks []*provider.Chunk
}

func (m *MockStreamProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)
	go func() {
		for _, c := range m.chunks {
			ch <- c
		}
		close(ch)
	}()
	return ch, nil
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage?from=not-a-date", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, _, usageStore := setupTest(nil, true)

	limits := config.DefaultMeterLimits()
	ledger := usage.NewLedger(usageStore, limits)
	ledger.LogUsage(context.Background(), usage.Record{UserID: "test-user", Model: "gpt-4o-mini", PromptTokens: 100, CompletionTokens: 50})
	ledger.LogUsage(context.Background(), usage.Record{UserID: "test-user", Model: "gpt-4o-mini", PromptTokens: 200, CompletionTokens: 100})

	req := httptest.NewRequest("GET", "/v1/usage", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["total_requests"].(float64) != 2 {
		t.Errorf("Expected total_requests == 2, got %v", resp["total_requests"])
	}
	if resp["total_cost_usd"].(float64) <= 0 {
		t.Errorf("Expected positive total_cost_usd, got %v", resp["total_cost_usd"])
	}
	logs := resp["logs"].([]interface{})
	if len(logs) != 2 {
		t.Errorf("Expected 2 logs, got %d", len(logs))
	}
}

func TestHandleSummary_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage/summary", nil)
	w := httptest.NewRecorder()

	h.HandleSummary(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleSummary_Success(t *testing.T) {
	h, _, usageStore := setupTest(nil, true)

	limits := config.DefaultMeterLimits()
	ledger := usage.NewLedger(usageStore, limits)
	ledger.LogUsage(context.Background(), usage.Record{UserID: "test-user", Model: "gpt-4o-mini", PromptTokens: 100, CompletionTokens: 50})

	req := httptest.NewRequest("GET", "/v1/usage/summary", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "test-user"))
	w := httptest.NewRecorder()

	h.HandleSummary(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var summary usage.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("Failed to decode summary: %v", err)
	}
	if summary.UserID != "test-user" {
		t.Errorf("Expected summary for test-user, got %s", summary.UserID)
	}
	if summary.DailyTokens(time.Now()) != 150 {
		t.Errorf("Expected 150 daily tokens, got %d", summary.DailyTokens(time.Now()))
	}
	if summary.FreeTrial == nil || summary.FreeTrial.TotalRequestsUsed != 1 {
		t.Errorf("Expected free trial counter at 1, got %+v", summary.FreeTrial)
	}
}
