package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"DualChat/internal/conversation"
)

// CachedResponse represents a cached assistant reply
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from a system prompt and conversation history
func GenerateCacheKey(system string, turns []conversation.Turn) string {
	h := sha256.New()
	h.Write([]byte(system))
	for _, turn := range turns {
		h.Write([]byte{0})
		h.Write([]byte(turn.Role))
		h.Write([]byte{0})
		h.Write([]byte(turn.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Store holds replies keyed by GenerateCacheKey. Entries older than ttl are
// treated as misses; a zero ttl keeps entries forever.
type Store struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
}

// NewStore creates an empty store
func NewStore(ttl time.Duration) *Store {
	return &Store{ttl: ttl, now: time.Now}
}

// Load returns the cached reply for key
func (s *Store) Load(key string) (string, bool) {
	val, ok := s.entries.Load(key)
	if !ok {
		return "", false
	}
	cached := val.(CachedResponse)
	if s.ttl > 0 && s.now().Sub(cached.Timestamp) > s.ttl {
		s.entries.Delete(key)
		return "", false
	}
	return cached.Response, true
}

// Store records a reply for key
func (s *Store) Store(key, response string) {
	s.entries.Store(key, CachedResponse{
		Response:  response,
		Timestamp: s.now(),
	})
}
