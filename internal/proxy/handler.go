package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/viimlabs/viim-gateway/internal/auth"
	"github.com/viimlabs/viim-gateway/internal/provider"
	"github.com/viimlabs/viim-gateway/internal/usage"
	"github.com/viimlabs/viim-gateway/pkg/ratelimit"
)

// UsageReporter accepts usage records after a provider call finishes.
// Reporting is best-effort; a false return means the record was
// dropped, never that the response failed.
type UsageReporter interface {
	Enqueue(rec usage.Record) bool
}

type Handler struct {
	router   *Router
	checker  *usage.Checker
	ledger   *usage.Ledger
	reporter UsageReporter
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
}

func NewHandler(router *Router, checker *usage.Checker, ledger *usage.Ledger, reporter UsageReporter, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		router:   router,
		checker:  checker,
		ledger:   ledger,
		reporter: reporter,
		limiter:  limiter,
		tracer:   tracer,
	}
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	userID, _, req, selectedProvider, err := h.prepare(w, r)
	if err != nil {
		return
	}

	start := time.Now()
	response, err := h.router.Execute(r.Context(), req, selectedProvider)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	response.LatencyMs = time.Since(start).Milliseconds()

	h.reporter.Enqueue(usage.Record{
		UserID:           userID,
		Provider:         response.Provider,
		Model:            response.Model,
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
	})

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     response.Usage.PromptTokens,
			"completion_tokens": response.Usage.CompletionTokens,
			"total_tokens":      response.Usage.PromptTokens + response.Usage.CompletionTokens,
		},
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	userID, _, req, selectedProvider, err := h.prepare(w, r)
	if err != nil {
		return
	}

	ch, err := h.router.ExecuteStream(r.Context(), req, selectedProvider)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Whatever usage the terminal chunk carries gets reported, even
	// when the stream errors out or the client walks away mid-reply.
	var observed *provider.Usage
	for chunk := range ch {
		if chunk.Usage != nil {
			observed = chunk.Usage
		}

		if chunk.Err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"%s\"}\n\n", chunk.Err.Error())
			flusher.Flush()
			break
		}

		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		escaped := strings.ReplaceAll(chunk.Delta, `"`, `\"`)
		escaped = strings.ReplaceAll(escaped, "\n", `\n`)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"},\"index\":0}]}\n\n", escaped)
		flusher.Flush()
	}

	rec := usage.Record{
		UserID:   userID,
		Provider: selectedProvider.Name(),
		Model:    req.Model,
	}
	if observed != nil {
		rec.PromptTokens = observed.PromptTokens
		rec.CompletionTokens = observed.CompletionTokens
	}
	h.reporter.Enqueue(rec)
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, string, *provider.Request, provider.Provider, error) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return "", "", nil, nil, fmt.Errorf("unauthorized")
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return "", "", nil, nil, err
	}
	req.UserID = userID
	req.RequestID = requestID

	_, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	// Entitlement gate runs before anything reaches a provider. A
	// denial is a business outcome, not an error.
	guard := h.checker.Check(ctx, userID)
	if !guard.Allowed {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": guard.Reason,
			"code":  string(guard.Code),
		})
		return "", "", nil, nil, fmt.Errorf("usage denied: %s", guard.Code)
	}

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}

	allowed, err := h.limiter.Allow(ctx, userID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60s")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return "", "", nil, nil, fmt.Errorf("rate limit exceeded")
	}

	selectedProvider, err := h.router.Route(ctx, &req)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return "", "", nil, nil, err
	}

	return userID, requestID, &req, selectedProvider, nil
}

// HandleSummary returns the caller's aggregate usage document.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}

	summary := h.ledger.GetSummary(ctx, userID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(summary)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}

	// Parse query parameters
	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	entries, err := h.ledger.Entries(ctx, userID, from, to)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	totalCost, err := h.ledger.TotalCost(ctx, userID, from, to)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id":        userID,
		"total_requests": len(entries),
		"total_cost_usd": totalCost,
		"logs":           entries,
		"from":           from,
		"to":             to,
	})
}
