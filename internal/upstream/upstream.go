// Package upstream talks to the conversational AI backend the gateway
// fronts. The gateway core only depends on the Client interface; the
// Perplexity implementation lives alongside it in this package.
package upstream

import "context"

// AskRequest describes one prompt sent upstream.
type AskRequest struct {
	// Query is the flattened prompt text.
	Query string

	// ModelID is the upstream model identifier, already resolved from the
	// public model name.
	ModelID string

	// Mode is the upstream execution mode for the model.
	Mode string

	// Handle continues an existing upstream thread. Empty starts a fresh one.
	// The gateway never interprets its contents.
	Handle string
}

// Answer is a complete upstream response.
type Answer struct {
	Text string

	// Handle continues the thread on the next turn.
	Handle string

	// Truncated reports whether the upstream cut the answer short.
	Truncated bool
}

// Fragment is one incremental piece of a streamed answer.
type Fragment struct {
	// Delta is the newly produced text since the previous fragment.
	Delta string

	// Handle is set as soon as the upstream assigns one; later fragments
	// repeat the same value.
	Handle string
}

// ModelInfo describes one upstream model identifier.
type ModelInfo struct {
	Identifier string
	Name       string
	Provider   string
	Mode       string
}

// Client is the gateway's view of the upstream service.
//
// AskStream returns a channel pair: fragments are delivered until the answer
// completes, then both channels are closed. At most one error is delivered;
// an error after fragments were already delivered means the stream died
// mid-answer. Cancelling ctx releases the underlying connection.
type Client interface {
	Ask(ctx context.Context, req AskRequest) (*Answer, error)
	AskStream(ctx context.Context, req AskRequest) (<-chan Fragment, <-chan error)
	FetchModels(ctx context.Context) ([]ModelInfo, error)
}
