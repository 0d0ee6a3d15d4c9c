package tether

import (
	"context"
	"hash/fnv"
	"sync"
)

const numHubShards = 16

// Hub tracks sessions by client identity. It enforces the identity
// invariant: at most one Session exists per identity, and attaching a new
// transport for a known identity replaces the session's live transport
// instead of creating a second session.
type Hub struct {
	shards [numHubShards]*sessionShard
}

// NewHub initializes a Hub.
func NewHub() *Hub {
	h := &Hub{}
	for i := 0; i < numHubShards; i++ {
		h.shards[i] = newSessionShard()
	}
	return h
}

func index(s string, numBuckets int) int {
	if numBuckets == 1 {
		return 0
	}
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(s))
	return int(hash.Sum64() % uint64(numBuckets))
}

// Get returns the session registered for identity, or nil.
func (h *Hub) Get(identity string) *Session {
	return h.shards[index(identity, numHubShards)].get(identity)
}

// GetOrCreate returns the session for identity, creating one with create on
// first connect. The second return value is true when the session already
// existed.
func (h *Hub) GetOrCreate(identity string, create func() *Session) (*Session, bool) {
	return h.shards[index(identity, numHubShards)].getOrCreate(identity, create)
}

// Remove drops the session for identity from the registry. Called on
// explicit session close, never on a mere transport drop.
func (h *Hub) Remove(identity string) {
	h.shards[index(identity, numHubShards)].remove(identity)
}

// NumSessions returns the total number of registered sessions.
func (h *Hub) NumSessions() int {
	var total int
	for i := 0; i < numHubShards; i++ {
		// identities do not overlap among shards.
		total += h.shards[i].numSessions()
	}
	return total
}

// Shutdown closes every registered session. Concurrency is limited to keep
// resource usage flat on shutdown.
func (h *Hub) Shutdown(ctx context.Context) error {
	sem := make(chan struct{}, hubShutdownSemaphoreSize)
	var wg sync.WaitGroup
	for i := 0; i < numHubShards; i++ {
		for _, s := range h.shards[i].list() {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			}
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				defer func() { <-sem }()
				s.Close()
			}(s)
		}
	}
	wg.Wait()
	return nil
}

// hubShutdownSemaphoreSize limits session close concurrency on shutdown.
const hubShutdownSemaphoreSize = 64

type sessionShard struct {
	mu sync.RWMutex
	// match client identity with its single session.
	sessions map[string]*Session
}

func newSessionShard() *sessionShard {
	return &sessionShard{
		sessions: make(map[string]*Session),
	}
}

func (h *sessionShard) get(identity string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[identity]
}

func (h *sessionShard) getOrCreate(identity string, create func() *Session) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[identity]; ok {
		return s, true
	}
	s := create()
	h.sessions[identity] = s
	return s, false
}

func (h *sessionShard) remove(identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, identity)
}

func (h *sessionShard) numSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *sessionShard) list() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}
