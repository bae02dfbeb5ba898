package domain

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnknownModel        = errors.New("unknown model")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrUpstreamAuth        = errors.New("upstream authentication failed: session token invalid or expired")
	ErrUpstreamRateLimited = errors.New("upstream rate limit exceeded")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
)
