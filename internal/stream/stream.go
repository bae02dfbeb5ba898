// Package stream translates upstream answers into OpenAI-shaped responses,
// both the buffered objects and the SSE chunk stream.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/plexigate/plexigate/internal/domain"
	"github.com/plexigate/plexigate/internal/upstream"
)

const (
	// SystemFingerprint is the fixed fingerprint stamped on every response.
	SystemFingerprint = "perplexity_v1"

	chatObject      = "chat.completion"
	chatChunkObject = "chat.completion.chunk"
	textObject      = "text_completion"
)

// Meta carries the per-request identity every chunk repeats.
type Meta struct {
	ID             string
	Created        int64
	Model          string
	ConversationID string
}

// NewChatID returns an OpenAI-style chat completion id.
func NewChatID() string {
	return "chatcmpl-" + hex24()
}

// NewCompletionID returns a legacy completion id.
func NewCompletionID() string {
	return "cmpl-" + hex24()
}

func hex24() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// EstimateTokens approximates token usage at four characters per token. The
// upstream reports no usage, so this is the best available signal.
func EstimateTokens(text string) int {
	return len(text) / 4
}

func finishReason(truncated bool) *string {
	reason := "stop"
	if truncated {
		reason = "length"
	}
	return &reason
}

// BuildChatResponse assembles the buffered chat.completion object.
func BuildChatResponse(meta Meta, query string, answer *upstream.Answer) *domain.ChatResponse {
	prompt := EstimateTokens(query)
	completion := EstimateTokens(answer.Text)

	return &domain.ChatResponse{
		ID:      meta.ID,
		Object:  chatObject,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []domain.Choice{{
			Index:        0,
			Message:      &domain.ResponseMessage{Role: "assistant", Content: answer.Text},
			FinishReason: finishReason(answer.Truncated),
		}},
		Usage: domain.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		SystemFingerprint: SystemFingerprint,
		ConversationID:    meta.ConversationID,
	}
}

// BuildCompletionResponse assembles the legacy text_completion object.
func BuildCompletionResponse(meta Meta, prompt string, answer *upstream.Answer) *domain.CompletionResponse {
	promptTokens := EstimateTokens(prompt)
	completionTokens := EstimateTokens(answer.Text)

	return &domain.CompletionResponse{
		ID:      meta.ID,
		Object:  textObject,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []domain.CompletionChoice{{
			Text:         answer.Text,
			Index:        0,
			FinishReason: finishReason(answer.Truncated),
		}},
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		SystemFingerprint: SystemFingerprint,
		ConversationID:    meta.ConversationID,
	}
}

// ErrNotFlushable is returned when the ResponseWriter cannot stream.
var ErrNotFlushable = errors.New("response writer does not support flushing")

// Copy forwards upstream fragments to the client as OpenAI SSE chunks:
// a role-assignment chunk first, one chunk per delta, a finishing chunk and
// the [DONE] sentinel. It returns the concatenated text, the upstream
// handle, and the upstream error if the answer died mid-stream.
//
// The stream is always terminated cleanly for the client; the returned error
// exists for logging and counters. The one exception is the client's own
// disconnect, reported as context.Canceled with nothing further written.
func Copy(ctx context.Context, w http.ResponseWriter, meta Meta, fragments <-chan upstream.Fragment, errs <-chan error) (text, handle string, err error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return "", "", ErrNotFlushable
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emptyContent := ""
	writeChunk(w, flusher, meta, domain.Choice{
		Index: 0,
		Delta: &domain.Delta{Role: "assistant", Content: &emptyContent},
	})

	var b strings.Builder
loop:
	for {
		select {
		case frag, open := <-fragments:
			if !open {
				break loop
			}
			if frag.Handle != "" {
				handle = frag.Handle
			}
			if frag.Delta == "" {
				continue
			}
			b.WriteString(frag.Delta)
			delta := frag.Delta
			writeChunk(w, flusher, meta, domain.Choice{
				Index: 0,
				Delta: &domain.Delta{Content: &delta},
			})
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				finishChat(w, flusher, meta)
				return b.String(), handle, ctx.Err()
			}
			// Client is gone; the shared context also tears down the
			// upstream request.
			return b.String(), handle, context.Canceled
		}
	}

	err = <-errs
	if errors.Is(err, context.Canceled) {
		return b.String(), handle, context.Canceled
	}

	finishChat(w, flusher, meta)
	return b.String(), handle, err
}

func finishChat(w http.ResponseWriter, flusher http.Flusher, meta Meta) {
	stop := "stop"
	writeChunk(w, flusher, meta, domain.Choice{
		Index:        0,
		Delta:        &domain.Delta{},
		FinishReason: &stop,
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// CopyCompletion streams the legacy text_completion shape. Same termination
// contract as Copy.
func CopyCompletion(ctx context.Context, w http.ResponseWriter, meta Meta, fragments <-chan upstream.Fragment, errs <-chan error) (text, handle string, err error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return "", "", ErrNotFlushable
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var b strings.Builder
loop:
	for {
		select {
		case frag, open := <-fragments:
			if !open {
				break loop
			}
			if frag.Handle != "" {
				handle = frag.Handle
			}
			if frag.Delta == "" {
				continue
			}
			b.WriteString(frag.Delta)
			writeCompletionChunk(w, flusher, meta, domain.CompletionChoice{Text: frag.Delta})
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				finishCompletion(w, flusher, meta)
				return b.String(), handle, ctx.Err()
			}
			return b.String(), handle, context.Canceled
		}
	}

	err = <-errs
	if errors.Is(err, context.Canceled) {
		return b.String(), handle, context.Canceled
	}

	finishCompletion(w, flusher, meta)
	return b.String(), handle, err
}

func finishCompletion(w http.ResponseWriter, flusher http.Flusher, meta Meta) {
	stop := "stop"
	writeCompletionChunk(w, flusher, meta, domain.CompletionChoice{FinishReason: &stop})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeChunk(w http.ResponseWriter, flusher http.Flusher, meta Meta, choice domain.Choice) {
	chunk := domain.StreamChunk{
		ID:                meta.ID,
		Object:            chatChunkObject,
		Created:           meta.Created,
		Model:             meta.Model,
		Choices:           []domain.Choice{choice},
		SystemFingerprint: SystemFingerprint,
	}
	writeSSE(w, flusher, chunk)
}

func writeCompletionChunk(w http.ResponseWriter, flusher http.Flusher, meta Meta, choice domain.CompletionChoice) {
	chunk := domain.CompletionResponse{
		ID:                meta.ID,
		Object:            textObject,
		Created:           meta.Created,
		Model:             meta.Model,
		Choices:           []domain.CompletionChoice{choice},
		SystemFingerprint: SystemFingerprint,
	}
	writeSSE(w, flusher, chunk)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
