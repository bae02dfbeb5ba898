package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/plexigate/plexigate/internal/domain"
	"github.com/plexigate/plexigate/internal/httputil"
)

const (
	defaultBaseURL = "https://www.perplexity.ai"
	askPath        = "/rest/sse/perplexity_ask"
	sessionPath    = "/api/auth/session"
	apiVersion     = "2.18"

	sessionCookieName = "__Secure-next-auth.session-token"
)

// Perplexity implements Client against the unofficial Perplexity web API,
// authenticated with a browser session cookie.
type Perplexity struct {
	sessionToken string
	baseURL      string
	client       *http.Client
}

// NewPerplexity creates a client. baseURL is overridable for tests; empty
// means the production endpoint.
func NewPerplexity(sessionToken, baseURL string) *Perplexity {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Perplexity{
		sessionToken: sessionToken,
		baseURL:      baseURL,
		client:       httputil.DefaultClient(),
	}
}

type askParams struct {
	ModelPreference string   `json:"model_preference"`
	Mode            string   `json:"mode"`
	Sources         []string `json:"sources"`
	SearchFocus     string   `json:"search_focus"`
	IsIncognito     bool     `json:"is_incognito"`
	PromptSource    string   `json:"prompt_source"`
	SendBackText    bool     `json:"send_back_text_in_streaming_api"`
	Version         string   `json:"version"`
	LastBackendUUID string   `json:"last_backend_uuid,omitempty"`
	QuerySource     string   `json:"query_source,omitempty"`
	ReadWriteToken  string   `json:"read_write_token,omitempty"`
}

type askPayload struct {
	Params   askParams `json:"params"`
	QueryStr string    `json:"query_str"`
}

// askEvent is one SSE data event from the ask endpoint. Text is a JSON
// document embedded as a string; its shape varies (step list or object).
type askEvent struct {
	BackendUUID    string `json:"backend_uuid"`
	ReadWriteToken string `json:"read_write_token"`
	Text           string `json:"text"`
	Final          bool   `json:"final"`
}

func (p *Perplexity) buildPayload(req AskRequest) askPayload {
	params := askParams{
		ModelPreference: req.ModelID,
		Mode:            req.Mode,
		Sources:         []string{"web"},
		SearchFocus:     "internet",
		IsIncognito:     true,
		PromptSource:    "user",
		SendBackText:    true,
		Version:         apiVersion,
	}
	if params.Mode == "" {
		params.Mode = "copilot"
	}
	if req.Handle != "" {
		backendUUID, token := decodeHandle(req.Handle)
		params.LastBackendUUID = backendUUID
		params.ReadWriteToken = token
		params.QuerySource = "followup"
	}
	return askPayload{Params: params, QueryStr: req.Query}
}

// The handle packs the two tokens Perplexity needs to continue a thread.
// Callers treat it as opaque.
func encodeHandle(backendUUID, readWriteToken string) string {
	if readWriteToken == "" {
		return backendUUID
	}
	return backendUUID + "|" + readWriteToken
}

func decodeHandle(handle string) (backendUUID, readWriteToken string) {
	backendUUID, readWriteToken, _ = strings.Cut(handle, "|")
	return backendUUID, readWriteToken
}

func (p *Perplexity) Ask(ctx context.Context, req AskRequest) (*Answer, error) {
	fragments, errs := p.AskStream(ctx, req)

	var text strings.Builder
	var handle string
	for frag := range fragments {
		text.WriteString(frag.Delta)
		if frag.Handle != "" {
			handle = frag.Handle
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}

	return &Answer{Text: text.String(), Handle: handle}, nil
}

func (p *Perplexity) AskStream(ctx context.Context, req AskRequest) (<-chan Fragment, <-chan error) {
	fragments := make(chan Fragment)
	errs := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errs)

		body, err := json.Marshal(p.buildPayload(req))
		if err != nil {
			errs <- fmt.Errorf("marshal payload: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+askPath, bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream, application/json")
		httpReq.AddCookie(&http.Cookie{Name: sessionCookieName, Value: p.sessionToken})

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- classifyTransportError(ctx, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			errs <- classifyStatus(resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

		var last string
		var handle string

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var ev askEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}

			if ev.BackendUUID != "" && handle == "" {
				handle = encodeHandle(ev.BackendUUID, ev.ReadWriteToken)
			}

			// The upstream resends the whole answer on each event
			// (send_back_text_in_streaming_api), so the delta is the suffix
			// past what we have already forwarded.
			current, ok := extractAnswer(ev.Text)
			if ok && len(current) > len(last) && strings.HasPrefix(current, last) {
				delta := current[len(last):]
				last = current

				select {
				case fragments <- Fragment{Delta: delta, Handle: handle}:
				case <-ctx.Done():
					errs <- classifyTransportError(ctx, ctx.Err())
					return
				}
			} else if ok && current != last {
				// Rewritten answer (citation cleanup etc.) — resync without
				// re-emitting already delivered text.
				last = current
			}

			if ev.Final {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- classifyTransportError(ctx, err)
		}
	}()

	return fragments, errs
}

// answerContent is the innermost answer object. The ask endpoint nests it
// either directly or JSON-encoded inside a "FINAL" step's content.
type answerContent struct {
	Answer string `json:"answer"`
}

type askStep struct {
	StepType string          `json:"step_type"`
	Content  json.RawMessage `json:"content"`
}

// extractAnswer digs the cumulative answer text out of an event's embedded
// JSON document. Returns false when the event carries no answer yet.
func extractAnswer(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	if strings.HasPrefix(text, "[") {
		var steps []askStep
		if err := json.Unmarshal([]byte(text), &steps); err != nil {
			return "", false
		}
		for _, step := range steps {
			if step.StepType != "FINAL" {
				continue
			}
			return answerFromContent(step.Content)
		}
		return "", false
	}

	return answerFromContent(json.RawMessage(text))
}

func answerFromContent(content json.RawMessage) (string, bool) {
	var inner answerContent
	if err := json.Unmarshal(content, &inner); err != nil {
		return "", false
	}

	// The answer field itself may be another JSON-encoded object.
	if strings.HasPrefix(strings.TrimSpace(inner.Answer), "{") {
		var nested answerContent
		if err := json.Unmarshal([]byte(inner.Answer), &nested); err == nil && nested.Answer != "" {
			return nested.Answer, true
		}
	}

	if inner.Answer == "" {
		return "", false
	}
	return inner.Answer, true
}

// knownModels is the catalog of model identifiers currently selectable in
// the Perplexity UI. The upstream has no model listing endpoint, so
// FetchModels validates the session and returns this set.
var knownModels = []ModelInfo{
	{Identifier: "pplx_pro_upgraded", Name: "Perplexity Auto", Provider: "perplexity", Mode: "copilot"},
	{Identifier: "experimental", Name: "Perplexity Sonar", Provider: "perplexity", Mode: "copilot"},
	{Identifier: "pplx_alpha", Name: "Perplexity Research", Provider: "perplexity", Mode: "copilot"},
	{Identifier: "pplx_beta", Name: "Perplexity Labs", Provider: "perplexity", Mode: "copilot"},
	{Identifier: "gpt52", Name: "GPT-5.2", Provider: "openai", Mode: "copilot"},
	{Identifier: "gpt52_thinking", Name: "GPT-5.2 Thinking", Provider: "openai", Mode: "copilot"},
	{Identifier: "claude45sonnet", Name: "Claude Sonnet 4.5", Provider: "anthropic", Mode: "copilot"},
	{Identifier: "claude45opus", Name: "Claude Opus 4.5", Provider: "anthropic", Mode: "copilot"},
	{Identifier: "claude45opusthinking", Name: "Claude Opus 4.5 Thinking", Provider: "anthropic", Mode: "copilot"},
	{Identifier: "gemini30pro", Name: "Gemini 3 Pro", Provider: "google", Mode: "copilot"},
	{Identifier: "gemini30flash", Name: "Gemini 3 Flash", Provider: "google", Mode: "copilot"},
	{Identifier: "grok41", Name: "Grok 4.1", Provider: "xai", Mode: "copilot"},
}

func (p *Perplexity) FetchModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+sessionPath, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.AddCookie(&http.Cookie{Name: sessionCookieName, Value: p.sessionToken})

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	// An anonymous session returns an empty JSON object.
	var session map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", domain.ErrUpstreamUnavailable, err)
	}
	if len(session) == 0 {
		return nil, domain.ErrUpstreamAuth
	}

	models := make([]ModelInfo, len(knownModels))
	copy(models, knownModels)
	return models, nil
}

func classifyStatus(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUpstreamAuth
	case http.StatusTooManyRequests:
		return domain.ErrUpstreamRateLimited
	default:
		return fmt.Errorf("%w: status=%d", domain.ErrUpstreamUnavailable, status)
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrUpstreamTimeout
	case errors.Is(err, context.Canceled):
		return context.Canceled
	default:
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
}
