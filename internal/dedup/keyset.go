package dedup

import (
	"container/list"
	"sync"
	"time"
)

// KeySet is a mutex-guarded LRU set of string keys with lazy TTL expiry.
// On capacity breach the least recently referenced key is evicted. The
// pipeline controller reuses it to suppress relisted object keys.
type KeySet struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently referenced
	entries  map[string]*list.Element
	now      func() time.Time
}

type setEntry struct {
	key       string
	firstSeen time.Time
}

// NewKeySet builds a KeySet holding at most capacity keys. ttl of zero
// means entries never expire.
func NewKeySet(capacity int, ttl time.Duration) *KeySet {
	if capacity <= 0 {
		capacity = 1024
	}
	return &KeySet{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Add records key as seen and reports true when the key was not already
// present within the TTL. An expired entry counts as unseen and restarts
// its window.
func (s *KeySet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.entries[key]; ok {
		e := el.Value.(*setEntry)
		if s.ttl > 0 && now.Sub(e.firstSeen) > s.ttl {
			e.firstSeen = now
			s.order.MoveToFront(el)
			return true
		}
		s.order.MoveToFront(el)
		return false
	}

	if s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.entries, oldest.Value.(*setEntry).key)
		}
	}
	s.entries[key] = s.order.PushFront(&setEntry{key: key, firstSeen: now})
	return true
}

// Contains reports whether key is live, without recording it.
func (s *KeySet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return false
	}
	if s.ttl > 0 && s.now().Sub(el.Value.(*setEntry).firstSeen) > s.ttl {
		return false
	}
	return true
}

// Len returns the number of stored entries, expired or not.
func (s *KeySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
