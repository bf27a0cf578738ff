// Package platform defines the collaborator that publishes approved posts
// and replies to an external social platform.
package platform

import (
	"context"
	"sort"
	"sync"
)

// Known platform names.
const (
	Threads = "threads"
	X       = "x"
)

// Result is the outcome reported by a platform call. A call can fail either
// by returning an error or by returning a Result with Success false.
type Result struct {
	Success bool   `json:"success"`
	PostID  string `json:"post_id,omitempty"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client publishes to one platform.
type Client interface {
	Post(ctx context.Context, text string) (Result, error)
	Reply(ctx context.Context, text, parentID string) (Result, error)
	// IsConfigured reports whether credentials are present. Unconfigured
	// clients are never called.
	IsConfigured() bool
}

// Set maps platform names to clients. The zero value is empty and ready.
type Set struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewSet returns a Set holding the given clients.
func NewSet(clients map[string]Client) *Set {
	s := &Set{}
	for name, c := range clients {
		s.Register(name, c)
	}
	return s
}

// Register adds or replaces the client for name.
func (s *Set) Register(name string, c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients == nil {
		s.clients = make(map[string]Client)
	}
	s.clients[name] = c
}

// Client returns the client registered for name.
func (s *Set) Client(name string) (Client, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[name]
	return c, ok
}

// Names returns the registered platform names in sorted order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.clients))
	for name := range s.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
