package jobs

import (
	"sort"
	"sync"
)

// Registry maps an entity id to the token of its in-flight attempt. It only
// offers lookup; disposal stays with the attempt that created the token.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register stores tok under id and returns the token it displaced, if any.
func (r *Registry) Register(id string, tok *Token) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.tokens[id]
	r.tokens[id] = tok
	return prev
}

// RegisterIfAbsent stores tok only when no token is registered for id. When
// one is, it is returned with ok=false.
func (r *Registry) RegisterIfAbsent(id string, tok *Token) (existing *Token, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, found := r.tokens[id]; found {
		return current, false
	}
	r.tokens[id] = tok
	return nil, true
}

func (r *Registry) Lookup(id string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[id]
	return tok, ok
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, id)
}

// Release removes the entry for id only if it still points at tok.
func (r *Registry) Release(id string, tok *Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.tokens[id]; ok && current == tok {
		delete(r.tokens, id)
		return true
	}
	return false
}

// Stop cancels and unregisters the attempt running for id. It reports whether
// an attempt was registered; stopping an unknown id is a no-op.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	tok, ok := r.tokens[id]
	if ok {
		delete(r.tokens, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	tok.Cancel()
	return true
}

// Len returns the number of in-flight attempts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// IDs returns the ids with an in-flight attempt, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tokens))
	for id := range r.tokens {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
