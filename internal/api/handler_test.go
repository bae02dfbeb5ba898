package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/plexigate/plexigate/internal/circuitbreaker"
	"github.com/plexigate/plexigate/internal/conversation"
	"github.com/plexigate/plexigate/internal/domain"
	"github.com/plexigate/plexigate/internal/metrics"
	"github.com/plexigate/plexigate/internal/ratelimit"
	"github.com/plexigate/plexigate/internal/registry"
	"github.com/plexigate/plexigate/internal/upstream"
)

type mockUpstream struct {
	AskFunc         func(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error)
	AskStreamFunc   func(ctx context.Context, req upstream.AskRequest) (<-chan upstream.Fragment, <-chan error)
	FetchModelsFunc func(ctx context.Context) ([]upstream.ModelInfo, error)
}

func (m *mockUpstream) Ask(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error) {
	if m.AskFunc != nil {
		return m.AskFunc(ctx, req)
	}
	return &upstream.Answer{Text: "mock answer", Handle: "mock-handle"}, nil
}

func (m *mockUpstream) AskStream(ctx context.Context, req upstream.AskRequest) (<-chan upstream.Fragment, <-chan error) {
	if m.AskStreamFunc != nil {
		return m.AskStreamFunc(ctx, req)
	}
	fragments := make(chan upstream.Fragment, 2)
	errs := make(chan error, 1)
	fragments <- upstream.Fragment{Delta: "mock ", Handle: "mock-handle"}
	fragments <- upstream.Fragment{Delta: "answer", Handle: "mock-handle"}
	close(fragments)
	close(errs)
	return fragments, errs
}

func (m *mockUpstream) FetchModels(ctx context.Context) ([]upstream.ModelInfo, error) {
	if m.FetchModelsFunc != nil {
		return m.FetchModelsFunc(ctx)
	}
	return nil, fmt.Errorf("not implemented")
}

type testEnv struct {
	handler *Handler
	store   *conversation.Store
	mock    *mockUpstream
}

func newTestEnv(t *testing.T, mutate func(cfg *HandlerConfig)) *testEnv {
	t.Helper()

	mock := &mockUpstream{}
	store := conversation.NewStore(time.Hour, 100)
	cfg := HandlerConfig{
		Registry:        registry.New(mock),
		Store:           store,
		Upstream:        mock,
		Limiter:         ratelimit.NewFixedWindow(100, time.Minute),
		Breaker:         circuitbreaker.New(circuitbreaker.DefaultConfig()),
		DefaultModel:    "perplexity-auto",
		UpstreamTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return &testEnv{handler: NewHandler(cfg), store: store, mock: mock}
}

func chatBody(model, content, conversationID string, streaming bool) string {
	req := map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": content}},
		"stream":   streaming,
	}
	if conversationID != "" {
		req["conversation_id"] = conversationID
	}
	b, _ := json.Marshal(req)
	return string(b)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 && strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("bad response body %q: %v", w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestChatCompletions_FirstTurn(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mock.AskFunc = func(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error) {
		if req.Handle != "" {
			t.Errorf("first turn must not carry a handle, got %q", req.Handle)
		}
		if req.ModelID != "pplx_pro_upgraded" {
			t.Errorf("ModelID = %q, want pplx_pro_upgraded", req.ModelID)
		}
		if req.Query != "Hello" {
			t.Errorf("single user message must pass through verbatim, got %q", req.Query)
		}
		return &upstream.Answer{Text: "Hi there!", Handle: "uuid-1|rw"}, nil
	}

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "Hello", "", false))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if resp.ConversationID == "" {
		t.Error("response must carry the new conversation id")
	}
	if got := w.Header().Get("X-Conversation-ID"); got != resp.ConversationID {
		t.Errorf("X-Conversation-ID = %q, want %q", got, resp.ConversationID)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.SystemFingerprint != "perplexity_v1" {
		t.Errorf("fingerprint = %q", resp.SystemFingerprint)
	}
	if resp.Choices[0].Message.Content != "Hi there!" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if fr := resp.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish_reason = %v", fr)
	}

	// The upstream handle is retained server-side, never exposed.
	handle, ok := env.store.Handle(resp.ConversationID)
	if !ok || handle != "uuid-1|rw" {
		t.Errorf("stored handle = (%q, %v)", handle, ok)
	}
}

func TestChatCompletions_FollowupReusesHandle(t *testing.T) {
	env := newTestEnv(t, nil)

	var gotHandle string
	env.mock.AskFunc = func(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error) {
		gotHandle = req.Handle
		return &upstream.Answer{Text: "answer", Handle: "uuid-1|rw"}, nil
	}

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "first", "", false))
	var first domain.ChatResponse
	json.Unmarshal(w.Body.Bytes(), &first)

	w2, _ := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "second", first.ConversationID, false))

	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w2.Code, w2.Body.String())
	}
	if gotHandle != "uuid-1|rw" {
		t.Errorf("follow-up handle = %q, want uuid-1|rw", gotHandle)
	}

	var second domain.ChatResponse
	json.Unmarshal(w2.Body.Bytes(), &second)
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation id changed: %s -> %s", first.ConversationID, second.ConversationID)
	}

	list := env.store.List()
	if len(list) != 1 || list[0].MessageCount != 2 {
		t.Errorf("store = %+v, want single record with 2 messages", list)
	}
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	env := newTestEnv(t, nil)
	called := false
	env.mock.AskFunc = func(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error) {
		called = true
		return &upstream.Answer{Text: "x"}, nil
	}

	w, body := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("no-such-model", "Hello", "", false))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if called {
		t.Error("unknown model must not reach the upstream")
	}
	errObj := body["error"].(map[string]any)
	if errObj["code"] != "model_not_found" {
		t.Errorf("code = %v", errObj["code"])
	}
	if env.store.Len() != 0 {
		t.Error("unknown model must not create a conversation")
	}
}

func TestChatCompletions_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"garbage body", "{not json"},
		{"missing messages", `{"model": "perplexity-auto"}`},
		{"n greater than one", `{"model": "perplexity-auto", "messages": [{"role":"user","content":"x"}], "n": 2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			errObj := body["error"].(map[string]any)
			if errObj["type"] != "invalid_request_error" {
				t.Errorf("type = %v", errObj["type"])
			}
		})
	}
}

func TestChatCompletions_DefaultModel(t *testing.T) {
	env := newTestEnv(t, nil)
	var gotModel string
	env.mock.AskFunc = func(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error) {
		gotModel = req.ModelID
		return &upstream.Answer{Text: "x"}, nil
	}

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		`{"messages": [{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotModel != "pplx_pro_upgraded" {
		t.Errorf("upstream model = %q, want default resolution", gotModel)
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.Limiter = ratelimit.NewFixedWindow(0, time.Minute)
	})
	called := false
	env.mock.AskFunc = func(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error) {
		called = true
		return &upstream.Answer{}, nil
	}

	w, body := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "Hello", "", false))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if called {
		t.Error("rejected request must not reach the upstream")
	}
	if env.store.Len() != 0 {
		t.Error("rejected request must not touch the store")
	}
	errObj := body["error"].(map[string]any)
	if errObj["type"] != "rate_limit_error" {
		t.Errorf("type = %v", errObj["type"])
	}
}

func TestChatCompletions_AuthRequired(t *testing.T) {
	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.APIKey = "secret-key"
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(chatBody("perplexity-auto", "Hello", "", false)))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(chatBody("perplexity-auto", "Hello", "", false)))
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(chatBody("perplexity-auto", "Hello", "", false)))
	req.Header.Set("Authorization", "Bearer secret-key")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
}

func TestChatCompletions_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"auth", domain.ErrUpstreamAuth, http.StatusUnauthorized},
		{"rate limited", domain.ErrUpstreamRateLimited, http.StatusBadGateway},
		{"timeout", domain.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{"unavailable", domain.ErrUpstreamUnavailable, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.mock.AskFunc = func(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error) {
				return nil, tt.err
			}

			w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
				chatBody("perplexity-auto", "Hello", "", false))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mock.AskStreamFunc = func(ctx context.Context, req upstream.AskRequest) (<-chan upstream.Fragment, <-chan error) {
		fragments := make(chan upstream.Fragment, 3)
		errs := make(chan error, 1)
		fragments <- upstream.Fragment{Delta: "Hello", Handle: "uuid-1"}
		fragments <- upstream.Fragment{Delta: " world", Handle: "uuid-1"}
		close(fragments)
		close(errs)
		return fragments, errs
	}

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "Hello", "", true))

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Conversation-ID") == "" {
		t.Error("streaming response must carry X-Conversation-ID")
	}

	body := w.Body.String()
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Error("stream must end with [DONE]")
	}

	var sawRole, sawFinish bool
	var text strings.Builder
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var chunk domain.StreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("bad chunk: %v", err)
		}
		choice := chunk.Choices[0]
		if choice.Delta != nil && choice.Delta.Role == "assistant" {
			sawRole = true
		}
		if choice.Delta != nil && choice.Delta.Content != nil {
			text.WriteString(*choice.Delta.Content)
		}
		if choice.FinishReason != nil {
			sawFinish = true
		}
	}
	if !sawRole {
		t.Error("stream must open with a role chunk")
	}
	if !sawFinish {
		t.Error("stream must close with a finish chunk")
	}
	if text.String() != "Hello world" {
		t.Errorf("streamed text = %q", text.String())
	}

	// The handle arrives via the stream and is attached to the record.
	convID := w.Header().Get("X-Conversation-ID")
	if handle, ok := env.store.Handle(convID); !ok || handle != "uuid-1" {
		t.Errorf("stored handle = (%q, %v)", handle, ok)
	}
}

func TestChatCompletions_StreamingClientDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	upstreamCanceled := make(chan struct{})
	env.mock.AskStreamFunc = func(ctx context.Context, req upstream.AskRequest) (<-chan upstream.Fragment, <-chan error) {
		fragments := make(chan upstream.Fragment)
		errs := make(chan error, 1)
		go func() {
			defer close(fragments)
			defer close(errs)
			fragments <- upstream.Fragment{Delta: "one", Handle: "uuid-1"}
			fragments <- upstream.Fragment{Delta: "two", Handle: "uuid-1"}
			<-ctx.Done()
			close(upstreamCanceled)
			errs <- ctx.Err()
		}()
		return fragments, errs
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(chatBody("perplexity-auto", "Hello", "", true))).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.handler.ServeHTTP(w, req)
	}()

	// Let both chunks flow, then hang up.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-upstreamCanceled:
	case <-time.After(2 * time.Second):
		t.Fatal("client disconnect did not cancel the upstream request")
	}
	<-done

	if strings.Contains(w.Body.String(), "[DONE]") {
		t.Error("disconnected stream must not be terminated with [DONE]")
	}
}

func TestCompletions_Legacy(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mock.AskFunc = func(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error) {
		if req.Query != "Once upon a time" {
			t.Errorf("query = %q", req.Query)
		}
		return &upstream.Answer{Text: " there was a gateway."}, nil
	}

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/completions",
		`{"model": "perplexity-auto", "prompt": "Once upon a time"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp domain.CompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "text_completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if !strings.HasPrefix(resp.ID, "cmpl-") {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.Choices[0].Text != " there was a gateway." {
		t.Errorf("text = %q", resp.Choices[0].Text)
	}
}

func TestCompletions_MissingPrompt(t *testing.T) {
	env := newTestEnv(t, nil)

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/completions", `{"model": "perplexity-auto"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestEmbeddings_NotImplemented(t *testing.T) {
	env := newTestEnv(t, nil)

	w, body := doJSON(t, env.handler, http.MethodPost, "/v1/embeddings", `{"input": "text"}`)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
	errObj := body["error"].(map[string]any)
	if errObj["type"] != "not_implemented_error" {
		t.Errorf("type = %v", errObj["type"])
	}
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t, nil)

	w, _ := doJSON(t, env.handler, http.MethodGet, "/v1/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp domain.ModelsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Object != "list" {
		t.Errorf("object = %q", resp.Object)
	}
	if len(resp.Data) == 0 {
		t.Fatal("expected default models")
	}
	if resp.Data[0].ID != "perplexity-auto" {
		t.Errorf("first model = %q", resp.Data[0].ID)
	}
}

func TestGetModel(t *testing.T) {
	env := newTestEnv(t, nil)

	w, _ := doJSON(t, env.handler, http.MethodGet, "/v1/models/perplexity-auto", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}

	w, _ = doJSON(t, env.handler, http.MethodGet, "/v1/models/no-such-model", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRefreshModels(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mock.FetchModelsFunc = func(ctx context.Context) ([]upstream.ModelInfo, error) {
		return []upstream.ModelInfo{
			{Identifier: "gpt52", Name: "GPT-5.2", Provider: "openai", Mode: "copilot"},
		}, nil
	}

	w, body := doJSON(t, env.handler, http.MethodPost, "/v1/models/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if body["refreshed"].(float64) != 5 {
		t.Errorf("refreshed = %v, want 5", body["refreshed"])
	}
}

func TestRefreshModels_UpstreamDown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mock.FetchModelsFunc = func(ctx context.Context) ([]upstream.ModelInfo, error) {
		return nil, domain.ErrUpstreamUnavailable
	}

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/models/refresh", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "Hello", "", false))
	var resp domain.ChatResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	w, body := doJSON(t, env.handler, http.MethodGet, "/conversations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["total"].(float64) != 1 {
		t.Errorf("total = %v, want 1", body["total"])
	}
	// Handles never leave the server.
	if strings.Contains(w.Body.String(), "mock-handle") {
		t.Error("conversation listing must not expose upstream handles")
	}

	w, body = doJSON(t, env.handler, http.MethodDelete, "/conversations/"+resp.ConversationID, "")
	if w.Code != http.StatusOK || body["deleted"] != true {
		t.Errorf("delete: status = %d, body = %v", w.Code, body)
	}

	w, body = doJSON(t, env.handler, http.MethodDelete, "/conversations/"+resp.ConversationID, "")
	if body["deleted"] != false {
		t.Errorf("second delete = %v, want false", body["deleted"])
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	w, body := doJSON(t, env.handler, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["models"].(float64) == 0 {
		t.Error("health must report the model count")
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)

	doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "Hello", "", false))
	doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("no-such-model", "Hello", "", false))

	w, body := doJSON(t, env.handler, http.MethodGet, "/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["requests_total"].(float64) != 2 {
		t.Errorf("requests_total = %v, want 2", body["requests_total"])
	}
	if body["requests_failed"].(float64) != 1 {
		t.Errorf("requests_failed = %v, want 1", body["requests_failed"])
	}
	conv := body["conversations"].(map[string]any)
	if conv["active"].(float64) != 1 {
		t.Errorf("active conversations = %v, want 1", conv["active"])
	}
}

func TestChatCompletionsInfo(t *testing.T) {
	env := newTestEnv(t, nil)

	w, body := doJSON(t, env.handler, http.MethodGet, "/v1/chat/completions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["message"] == nil {
		t.Error("info endpoint must describe itself")
	}
}

func TestFlattenMessages(t *testing.T) {
	msg := func(role, content string) domain.Message {
		b, _ := json.Marshal(content)
		return domain.Message{Role: role, Content: b}
	}

	tests := []struct {
		name     string
		messages []domain.Message
		want     string
	}{
		{
			"single user message verbatim",
			[]domain.Message{msg("user", "just this")},
			"just this",
		},
		{
			"system and user prefixed",
			[]domain.Message{msg("system", "be brief"), msg("user", "hi")},
			"[System]\nbe brief\n\nUser: hi",
		},
		{
			"full transcript",
			[]domain.Message{msg("user", "q1"), msg("assistant", "a1"), msg("user", "q2")},
			"User: q1\n\nAssistant: a1\n\nUser: q2",
		},
		{
			"empty messages skipped",
			[]domain.Message{msg("system", ""), msg("user", "hi"), msg("assistant", "yo")},
			"User: hi\n\nAssistant: yo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := flattenMessages(tt.messages); got != tt.want {
				t.Errorf("flattenMessages() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamMidFailure_CleanTermination(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mock.AskStreamFunc = func(ctx context.Context, req upstream.AskRequest) (<-chan upstream.Fragment, <-chan error) {
		fragments := make(chan upstream.Fragment, 1)
		errs := make(chan error, 1)
		fragments <- upstream.Fragment{Delta: "partial", Handle: "uuid-1"}
		errs <- domain.ErrUpstreamUnavailable
		close(fragments)
		close(errs)
		return fragments, errs
	}

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "Hello", "", true))

	body := w.Body.String()
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Error("mid-stream failure must still terminate with [DONE]")
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Error("mid-stream failure must still emit a stop finish chunk")
	}

	_, stats := doJSON(t, env.handler, http.MethodGet, "/stats", "")
	if stats["stream_failures"].(float64) != 1 {
		t.Errorf("stream_failures = %v, want 1", stats["stream_failures"])
	}
}

func TestBreakerStateGaugeTracksUpstreamHealth(t *testing.T) {
	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.Breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		})
	})
	env.mock.AskFunc = func(ctx context.Context, req upstream.AskRequest) (*upstream.Answer, error) {
		return nil, domain.ErrUpstreamUnavailable
	}

	w, _ := doJSON(t, env.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "Hello", "", false))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if got := testutil.ToFloat64(metrics.CircuitBreakerState); got != 2 {
		t.Errorf("breaker gauge after failure = %v, want 2 (open)", got)
	}

	healthy := newTestEnv(t, nil)
	w, _ = doJSON(t, healthy.handler, http.MethodPost, "/v1/chat/completions",
		chatBody("perplexity-auto", "Hello", "", false))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := testutil.ToFloat64(metrics.CircuitBreakerState); got != 0 {
		t.Errorf("breaker gauge after success = %v, want 0 (closed)", got)
	}
}

var _ upstream.Client = (*mockUpstream)(nil)
