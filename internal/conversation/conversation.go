// Package conversation tracks upstream conversation threads across requests.
// Each record binds a gateway-issued conversation id to the opaque upstream
// handle that continues the thread. Records are sharded by id so concurrent
// requests on different conversations never serialize on one lock.
package conversation

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const shardCount = 32

// Record is one tracked conversation.
type Record struct {
	ID             string
	UpstreamHandle string
	CreatedAt      time.Time
	LastActiveAt   time.Time
	Model          string
	Owner          string
	MessageCount   int
}

// Summary is the externally visible view of a record. It never carries the
// upstream handle.
type Summary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Model        string    `json:"model"`
	Owner        string    `json:"owner"`
	MessageCount int       `json:"message_count"`
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// Store holds conversation records with an idle timeout and a per-owner cap.
type Store struct {
	idleTimeout time.Duration
	maxPerOwner int
	now         func() time.Time

	shards [shardCount]shard
}

func NewStore(idleTimeout time.Duration, maxPerOwner int) *Store {
	s := &Store{
		idleTimeout: idleTimeout,
		maxPerOwner: maxPerOwner,
		now:         time.Now,
	}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*Record)
	}
	return s
}

func (s *Store) shard(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) expired(r *Record, now time.Time) bool {
	return now.Sub(r.LastActiveAt) > s.idleTimeout
}

// GetOrCreate returns the live record for id, or creates a fresh one when id
// is empty, unknown, or expired. A fresh record always gets a newly generated
// id, never the caller's dead one. created reports which case happened.
//
// On a live record the message count is bumped and the model updated;
// LastActiveAt is left alone until the request completes (see Touch).
func (s *Store) GetOrCreate(id, owner, model string) (Record, bool) {
	now := s.now()

	if id != "" {
		sh := s.shard(id)
		sh.mu.Lock()
		if r, ok := sh.records[id]; ok {
			if s.expired(r, now) {
				delete(sh.records, id)
			} else {
				r.MessageCount++
				r.Model = model
				rec := *r
				sh.mu.Unlock()
				return rec, false
			}
		}
		sh.mu.Unlock()
	}

	if s.maxPerOwner > 0 && s.ownerCount(owner) >= s.maxPerOwner {
		s.evictOwnerOldest(owner)
	}

	r := &Record{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActiveAt: now,
		Model:        model,
		Owner:        owner,
		MessageCount: 1,
	}

	sh := s.shard(r.ID)
	sh.mu.Lock()
	sh.records[r.ID] = r
	rec := *r
	sh.mu.Unlock()

	return rec, true
}

// AttachHandle stores the upstream handle on a record. No-op when the record
// was evicted in the meantime.
func (s *Store) AttachHandle(id, handle string) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r, ok := sh.records[id]; ok {
		r.UpstreamHandle = handle
	}
}

// Handle returns the upstream handle for a record, if any.
func (s *Store) Handle(id string) (string, bool) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	r, ok := sh.records[id]
	if !ok {
		return "", false
	}
	return r.UpstreamHandle, true
}

// Touch marks a completed request on the record. LastActiveAt never moves
// backwards.
func (s *Store) Touch(id string, now time.Time) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r, ok := sh.records[id]; ok && now.After(r.LastActiveAt) {
		r.LastActiveAt = now
	}
}

// EvictIdle removes records idle longer than the timeout and returns how
// many were removed. Safe to call repeatedly.
func (s *Store) EvictIdle(now time.Time) int {
	evicted := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, r := range sh.records {
			if s.expired(r, now) {
				delete(sh.records, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

func (s *Store) Delete(id string) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.records[id]; !ok {
		return false
	}
	delete(sh.records, id)
	return true
}

// List returns summaries of all records, most recently active first.
func (s *Store) List() []Summary {
	var out []Summary
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, r := range sh.records {
			out = append(out, Summary{
				ID:           r.ID,
				CreatedAt:    r.CreatedAt,
				LastActiveAt: r.LastActiveAt,
				Model:        r.Model,
				Owner:        r.Owner,
				MessageCount: r.MessageCount,
			})
		}
		sh.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out
}

func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// Stats returns the number of records and the total messages across them.
func (s *Store) Stats() (total, messages int) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		total += len(sh.records)
		for _, r := range sh.records {
			messages += r.MessageCount
		}
		sh.mu.RUnlock()
	}
	return total, messages
}

func (s *Store) ownerCount(owner string) int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, r := range sh.records {
			if r.Owner == owner {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// evictOwnerOldest drops the owner's least recently active record to make
// room for a new one.
func (s *Store) evictOwnerOldest(owner string) {
	var oldestID string
	var oldestAt time.Time
	var oldestShard *shard

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id, r := range sh.records {
			if r.Owner != owner {
				continue
			}
			if oldestID == "" || r.LastActiveAt.Before(oldestAt) {
				oldestID = id
				oldestAt = r.LastActiveAt
				oldestShard = sh
			}
		}
		sh.mu.RUnlock()
	}

	if oldestID == "" {
		return
	}

	oldestShard.mu.Lock()
	delete(oldestShard.records, oldestID)
	oldestShard.mu.Unlock()
}
