// Package ratelimit provides per-client request rate limiting with a fixed
// window algorithm. Supports in-memory (single instance) and Redis
// (distributed) backends, plus a no-op backend for disabled mode.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Limiter decides whether a client may make another request right now.
// Returns the remaining quota in the current window and when it resets.
type Limiter interface {
	Allow(ctx context.Context, clientKey string) (allowed bool, remaining int, resetAt time.Time, err error)
}

const shardCount = 32

// FixedWindow is an in-memory fixed-window limiter. Keys are sharded so
// concurrent clients do not contend on a single lock.
type FixedWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	shards [shardCount]fixedWindowShard
}

type fixedWindowShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewFixedWindow(limit int, windowDur time.Duration) *FixedWindow {
	fw := &FixedWindow{
		limit:  limit,
		window: windowDur,
		now:    time.Now,
	}
	for i := range fw.shards {
		fw.shards[i].windows = make(map[string]*window)
	}
	return fw
}

func (f *FixedWindow) shard(key string) *fixedWindowShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &f.shards[h.Sum32()%shardCount]
}

func (f *FixedWindow) Allow(ctx context.Context, clientKey string) (bool, int, time.Time, error) {
	now := f.now()
	s := f.shard(clientKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[clientKey]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(f.window)}
		s.windows[clientKey] = w
	}

	if w.count >= f.limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, f.limit - w.count, w.resetAt, nil
}

// Noop admits everything. Used when rate limiting is disabled.
type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) Allow(ctx context.Context, clientKey string) (bool, int, time.Time, error) {
	return true, 0, time.Time{}, nil
}
