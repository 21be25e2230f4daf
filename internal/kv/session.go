package kv

import (
	"context"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SessionStore is the in-memory fallback tier. It lives as long as the
// process and is bounded so a broken durable tier cannot grow it forever.
type SessionStore struct {
	cache *lru.Cache[string, []byte]
}

// NewSessionStore creates a session tier holding at most capacity keys.
func NewSessionStore(capacity int) *SessionStore {
	if capacity <= 0 {
		capacity = 1024
	}
	cache, err := lru.New[string, []byte](capacity)
	if err != nil {
		// Only possible for a non-positive size, excluded above.
		panic(err)
	}
	return &SessionStore{cache: cache}
}

func (s *SessionStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *SessionStore) Set(_ context.Context, key string, value []byte) error {
	s.cache.Add(key, value)
	return nil
}

func (s *SessionStore) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

func (s *SessionStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear drops every key with the given prefix.
func (s *SessionStore) Clear(prefix string) {
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
}
