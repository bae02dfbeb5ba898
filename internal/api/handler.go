// Package api is the HTTP surface of the gateway: an OpenAI-compatible
// front over the conversational upstream, plus introspection endpoints.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plexigate/plexigate/internal/circuitbreaker"
	"github.com/plexigate/plexigate/internal/conversation"
	"github.com/plexigate/plexigate/internal/domain"
	"github.com/plexigate/plexigate/internal/metrics"
	"github.com/plexigate/plexigate/internal/ratelimit"
	"github.com/plexigate/plexigate/internal/registry"
	"github.com/plexigate/plexigate/internal/stream"
	"github.com/plexigate/plexigate/internal/telemetry"
	"github.com/plexigate/plexigate/internal/upstream"
)

type HandlerConfig struct {
	Registry *registry.Registry
	Store    *conversation.Store
	Upstream upstream.Client
	Limiter  ratelimit.Limiter
	Breaker  *circuitbreaker.Breaker

	// APIKey, when non-empty, gates every request behind a bearer check.
	APIKey string

	DefaultModel    string
	UpstreamTimeout time.Duration
}

type Handler struct {
	registry *registry.Registry
	store    *conversation.Store
	upstream upstream.Client
	limiter  ratelimit.Limiter
	breaker  *circuitbreaker.Breaker

	apiKey          string
	defaultModel    string
	upstreamTimeout time.Duration

	mux       *http.ServeMux
	startTime time.Time

	requestsTotal       atomic.Int64
	requestsFailed      atomic.Int64
	rateLimitRejections atomic.Int64
	streamFailures      atomic.Int64
}

func NewHandler(cfg HandlerConfig) *Handler {
	upstreamTimeout := cfg.UpstreamTimeout
	if upstreamTimeout == 0 {
		upstreamTimeout = 120 * time.Second
	}

	h := &Handler{
		registry:        cfg.Registry,
		store:           cfg.Store,
		upstream:        cfg.Upstream,
		limiter:         cfg.Limiter,
		breaker:         cfg.Breaker,
		apiKey:          cfg.APIKey,
		defaultModel:    cfg.DefaultModel,
		upstreamTimeout: upstreamTimeout,
		mux:             http.NewServeMux(),
		startTime:       time.Now(),
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/models/{id}", h.handleGetModel)
	h.mux.HandleFunc("POST /v1/models/refresh", h.handleRefreshModels)
	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/chat/completions", h.handleChatCompletionsInfo)
	h.mux.HandleFunc("POST /v1/completions", h.handleCompletions)
	h.mux.HandleFunc("POST /v1/embeddings", h.handleEmbeddings)
	h.mux.HandleFunc("GET /conversations", h.handleListConversations)
	h.mux.HandleFunc("DELETE /conversations/{id}", h.handleDeleteConversation)
	h.mux.HandleFunc("GET /stats", h.handleStats)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// admit runs the auth and rate-limit gates shared by the completion
// endpoints. Returns the client key and whether the request may proceed;
// when it may not, the response has already been written.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, requestID string) (string, bool) {
	if h.apiKey != "" && extractAPIKey(r) != h.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid API key", "authentication_error", "invalid_api_key")
		return "", false
	}

	key := h.clientKey(r)

	allowed, remaining, resetAt, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "internal error", "api_error", "")
		return "", false
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !resetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))
	}

	if !allowed {
		h.rateLimitRejections.Add(1)
		metrics.RecordRateLimitRejection(key)
		retryAfter := int(time.Until(resetAt).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		slog.Warn("request rejected", "error", domain.ErrRateLimitExceeded, "client", key, "request_id", requestID)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down", "rate_limit_error", "rate_limit_exceeded")
		return "", false
	}

	return key, true
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.requestsTotal.Add(1)

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	clientKey, ok := h.admit(w, r, requestID)
	if !ok {
		h.requestsFailed.Add(1)
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.requestsFailed.Add(1)
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "")
		return
	}
	if len(req.Messages) == 0 {
		h.requestsFailed.Add(1)
		slog.Debug("request rejected", "error", domain.ErrInvalidRequest, "request_id", requestID)
		writeError(w, http.StatusBadRequest, "messages is required", "invalid_request_error", "")
		return
	}
	if req.N != nil && *req.N > 1 {
		h.requestsFailed.Add(1)
		writeError(w, http.StatusBadRequest, "n > 1 is not supported", "invalid_request_error", "")
		return
	}

	model := req.Model
	if model == "" {
		model = h.defaultModel
	}

	upstreamID, mode, found := h.registry.Resolve(model)
	if !found {
		h.requestsFailed.Add(1)
		metrics.RecordRequest("chat", model, "unknown_model", time.Since(start).Seconds())
		slog.Warn("request rejected", "error", domain.ErrUnknownModel, "model", model, "request_id", requestID)
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("model %q does not exist", model), "invalid_request_error", "model_not_found")
		return
	}

	rec, created := h.store.GetOrCreate(req.ConversationID, ownerOf(req.User, clientKey), model)

	var handle string
	if !created {
		handle, _ = h.store.Handle(rec.ID)
	}

	askReq := upstream.AskRequest{
		Query:   flattenMessages(req.Messages),
		ModelID: upstreamID,
		Mode:    mode,
		Handle:  handle,
	}

	meta := stream.Meta{
		ID:             stream.NewChatID(),
		Created:        time.Now().Unix(),
		Model:          model,
		ConversationID: rec.ID,
	}

	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Conversation-ID", rec.ID)

	if err := h.breaker.Allow(r.Context()); err != nil {
		h.requestsFailed.Add(1)
		metrics.RecordUpstreamError("circuit_open")
		slog.Warn("circuit breaker open", "request_id", requestID)
		writeError(w, http.StatusBadGateway, "upstream temporarily unavailable", "upstream_error", "circuit_open")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.upstreamTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "upstream.ask")
	defer span.End()
	telemetry.AddRequestAttributes(span, model, upstreamID, rec.ID, requestID)
	telemetry.AddStreamAttribute(span, req.Stream)

	if req.Stream {
		h.streamChat(ctx, w, meta, askReq, rec, requestID, start)
		return
	}

	answer, err := h.upstream.Ask(ctx, askReq)
	if err != nil {
		h.requestsFailed.Add(1)
		h.recordUpstreamFailure(ctx)
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordUpstreamError(errorKind(err))
		metrics.RecordRequest("chat", model, "error", time.Since(start).Seconds())
		slog.Error("upstream request failed", "error", err, "request_id", requestID, "conversation_id", rec.ID)
		writeUpstreamError(w, err)
		return
	}
	h.recordUpstreamSuccess(ctx)

	if answer.Handle != "" {
		h.store.AttachHandle(rec.ID, answer.Handle)
	}
	h.store.Touch(rec.ID, time.Now())

	resp := stream.BuildChatResponse(meta, askReq.Query, answer)
	telemetry.AddTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	metrics.RecordRequest("chat", model, "success", time.Since(start).Seconds())

	slog.Info("request completed",
		"request_id", requestID,
		"conversation_id", rec.ID,
		"model", model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) streamChat(ctx context.Context, w http.ResponseWriter, meta stream.Meta, askReq upstream.AskRequest, rec conversation.Record, requestID string, start time.Time) {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	fragments, errs := h.upstream.AskStream(ctx, askReq)
	text, handle, err := stream.Copy(ctx, w, meta, fragments, errs)

	if handle != "" {
		h.store.AttachHandle(rec.ID, handle)
	}

	switch {
	case err == nil:
		h.recordUpstreamSuccess(ctx)
		h.store.Touch(rec.ID, time.Now())
		metrics.RecordRequest("chat", meta.Model, "success", time.Since(start).Seconds())
		slog.Info("streaming request completed",
			"request_id", requestID,
			"conversation_id", rec.ID,
			"model", meta.Model,
			"latency_ms", time.Since(start).Milliseconds(),
		)

	case errors.Is(err, context.Canceled):
		// The client hung up; nothing more to write.
		metrics.RecordRequest("chat", meta.Model, "canceled", time.Since(start).Seconds())
		slog.Info("client disconnected mid-stream",
			"request_id", requestID,
			"conversation_id", rec.ID,
			"bytes_streamed", len(text),
		)

	default:
		h.requestsFailed.Add(1)
		h.streamFailures.Add(1)
		h.recordUpstreamFailure(ctx)
		metrics.RecordStreamFailure()
		metrics.RecordUpstreamError(errorKind(err))
		metrics.RecordRequest("chat", meta.Model, "error", time.Since(start).Seconds())
		slog.Error("stream died mid-answer",
			"error", err,
			"request_id", requestID,
			"conversation_id", rec.ID,
			"bytes_streamed", len(text),
		)
	}
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.requestsTotal.Add(1)

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	clientKey, ok := h.admit(w, r, requestID)
	if !ok {
		h.requestsFailed.Add(1)
		return
	}

	var req domain.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.requestsFailed.Add(1)
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "")
		return
	}
	prompt := req.PromptText()
	if prompt == "" {
		h.requestsFailed.Add(1)
		writeError(w, http.StatusBadRequest, "prompt is required", "invalid_request_error", "")
		return
	}
	if req.N != nil && *req.N > 1 {
		h.requestsFailed.Add(1)
		writeError(w, http.StatusBadRequest, "n > 1 is not supported", "invalid_request_error", "")
		return
	}

	model := req.Model
	if model == "" {
		model = h.defaultModel
	}

	upstreamID, mode, found := h.registry.Resolve(model)
	if !found {
		h.requestsFailed.Add(1)
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("model %q does not exist", model), "invalid_request_error", "model_not_found")
		return
	}

	// Legacy completions are stateless turns: a fresh conversation each time.
	rec, _ := h.store.GetOrCreate("", ownerOf(req.User, clientKey), model)

	askReq := upstream.AskRequest{Query: prompt, ModelID: upstreamID, Mode: mode}
	meta := stream.Meta{
		ID:             stream.NewCompletionID(),
		Created:        time.Now().Unix(),
		Model:          model,
		ConversationID: rec.ID,
	}

	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Conversation-ID", rec.ID)

	if err := h.breaker.Allow(r.Context()); err != nil {
		h.requestsFailed.Add(1)
		metrics.RecordUpstreamError("circuit_open")
		writeError(w, http.StatusBadGateway, "upstream temporarily unavailable", "upstream_error", "circuit_open")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.upstreamTimeout)
	defer cancel()

	if req.Stream {
		metrics.ActiveStreams.Inc()
		defer metrics.ActiveStreams.Dec()

		fragments, errs := h.upstream.AskStream(ctx, askReq)
		_, handle, err := stream.CopyCompletion(ctx, w, meta, fragments, errs)
		if handle != "" {
			h.store.AttachHandle(rec.ID, handle)
		}
		switch {
		case err == nil:
			h.recordUpstreamSuccess(ctx)
			h.store.Touch(rec.ID, time.Now())
			metrics.RecordRequest("completions", model, "success", time.Since(start).Seconds())
		case errors.Is(err, context.Canceled):
			metrics.RecordRequest("completions", model, "canceled", time.Since(start).Seconds())
		default:
			h.requestsFailed.Add(1)
			h.streamFailures.Add(1)
			h.recordUpstreamFailure(ctx)
			metrics.RecordStreamFailure()
			metrics.RecordUpstreamError(errorKind(err))
			metrics.RecordRequest("completions", model, "error", time.Since(start).Seconds())
			slog.Error("completion stream died mid-answer", "error", err, "request_id", requestID)
		}
		return
	}

	answer, err := h.upstream.Ask(ctx, askReq)
	if err != nil {
		h.requestsFailed.Add(1)
		h.recordUpstreamFailure(ctx)
		metrics.RecordUpstreamError(errorKind(err))
		metrics.RecordRequest("completions", model, "error", time.Since(start).Seconds())
		slog.Error("upstream request failed", "error", err, "request_id", requestID)
		writeUpstreamError(w, err)
		return
	}
	h.recordUpstreamSuccess(ctx)

	if answer.Handle != "" {
		h.store.AttachHandle(rec.ID, answer.Handle)
	}
	h.store.Touch(rec.ID, time.Now())
	metrics.RecordRequest("completions", model, "success", time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stream.BuildCompletionResponse(meta, prompt, answer))
}

func (h *Handler) handleChatCompletionsInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"message": "POST an OpenAI-compatible chat completion request to this endpoint",
		"example": map[string]any{
			"model":    h.defaultModel,
			"messages": []map[string]string{{"role": "user", "content": "Hello"}},
			"stream":   false,
		},
	})
}

func (h *Handler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented,
		"embeddings are not supported by this gateway", "not_implemented_error", "unsupported_endpoint")
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.List()

	models := make([]domain.Model, 0, len(entries))
	for _, e := range entries {
		models = append(models, domain.Model{
			ID:      e.PublicName,
			Object:  "model",
			Created: h.startTime.Unix(),
			OwnedBy: e.OwnedBy,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.ModelsResponse{Object: "list", Data: models})
}

func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	for _, e := range h.registry.List() {
		if e.PublicName != id {
			continue
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.Model{
			ID:      e.PublicName,
			Object:  "model",
			Created: h.startTime.Unix(),
			OwnedBy: e.OwnedBy,
		})
		return
	}

	writeError(w, http.StatusNotFound,
		fmt.Sprintf("model %q does not exist", id), "invalid_request_error", "model_not_found")
}

func (h *Handler) handleRefreshModels(w http.ResponseWriter, r *http.Request) {
	count, err := h.registry.Refresh(r.Context())
	if err != nil {
		slog.Error("model refresh failed", "error", err)
		writeUpstreamError(w, err)
		return
	}

	slog.Info("model registry refreshed", "models", count)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"refreshed": count})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"models":         len(h.registry.List()),
	})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries := h.store.List()
	if summaries == nil {
		summaries = []conversation.Summary{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   summaries,
		"total":  len(summaries),
	})
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	deleted := h.store.Delete(r.PathValue("id"))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"deleted": deleted})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	total, messages := h.store.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds":        int(time.Since(h.startTime).Seconds()),
		"requests_total":        h.requestsTotal.Load(),
		"requests_failed":       h.requestsFailed.Load(),
		"rate_limit_rejections": h.rateLimitRejections.Load(),
		"stream_failures":       h.streamFailures.Load(),
		"conversations": map[string]int{
			"active":         total,
			"total_messages": messages,
		},
		"models": map[string]any{
			"count":          len(h.registry.List()),
			"last_refreshed": h.registry.LastRefreshed(),
		},
	})
}

// ownerOf picks the conversation owner: the request's user field when
// present, else the rate-limit client key.
func ownerOf(user, clientKey string) string {
	if user != "" {
		return user
	}
	return clientKey
}

// clientKey identifies the caller for rate limiting: a digest prefix of the
// presented API key, or the remote address when requests are unauthenticated.
func (h *Handler) clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		sum := sha256.Sum256([]byte(key))
		return hex.EncodeToString(sum[:])[:16]
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// flattenMessages collapses an OpenAI message list into the single prompt
// string the upstream accepts. A lone user message passes through verbatim.
func flattenMessages(messages []domain.Message) string {
	if len(messages) == 1 && messages[0].Role == "user" {
		return messages[0].Text()
	}

	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		text := m.Text()
		if text == "" {
			continue
		}
		switch m.Role {
		case "system":
			parts = append(parts, "[System]\n"+text)
		case "assistant":
			parts = append(parts, "Assistant: "+text)
		case "user":
			parts = append(parts, "User: "+text)
		default:
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// recordUpstreamSuccess and recordUpstreamFailure feed the breaker and keep
// the exported breaker-state gauge in step with it.
func (h *Handler) recordUpstreamSuccess(ctx context.Context) {
	h.breaker.RecordSuccess(ctx)
	metrics.SetCircuitBreakerState(breakerStateValue(h.breaker.State(ctx)))
}

func (h *Handler) recordUpstreamFailure(ctx context.Context) {
	h.breaker.RecordFailure(ctx)
	metrics.SetCircuitBreakerState(breakerStateValue(h.breaker.State(ctx)))
}

// breakerStateValue maps breaker states onto the gauge's encoding
// (0=closed, 1=half-open, 2=open).
func breakerStateValue(s circuitbreaker.State) int {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// errorKind buckets upstream errors for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrUpstreamAuth):
		return "auth"
	case errors.Is(err, domain.ErrUpstreamRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return "timeout"
	default:
		return "unavailable"
	}
}

// writeUpstreamError maps upstream failures onto client-facing statuses.
func writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUpstreamAuth):
		writeError(w, http.StatusUnauthorized,
			"upstream session token rejected, refresh PERPLEXITY_SESSION_TOKEN", "upstream_error", "upstream_auth")
	case errors.Is(err, domain.ErrUpstreamRateLimited):
		writeError(w, http.StatusBadGateway,
			"upstream rate limited the gateway", "upstream_error", "upstream_rate_limited")
	case errors.Is(err, domain.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout,
			"upstream did not answer in time", "upstream_error", "upstream_timeout")
	default:
		writeError(w, http.StatusBadGateway,
			"upstream request failed", "upstream_error", "upstream_unavailable")
	}
}

func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(domain.ErrorResponse{
		Error: domain.ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    code,
		},
	})
}
