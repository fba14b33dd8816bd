package chatwire

import (
	"context"
	"sync"
)

// NameCache memoizes resolved display names. Entries are never invalidated;
// a stale name is tolerable and any caller can overwrite by resolving again.
type NameCache struct {
	mu       sync.RWMutex
	names    map[string]string
	resolver func(ctx context.Context, participant string) (string, error)
}

// NewNameCache wraps a resolver, typically (*Client).DisplayName.
func NewNameCache(resolver func(ctx context.Context, participant string) (string, error)) *NameCache {
	return &NameCache{
		names:    make(map[string]string),
		resolver: resolver,
	}
}

// Resolve returns the cached display name, resolving and caching on a miss.
// Resolution failures fall back to the raw participant id and are not cached,
// so the next call tries again.
func (n *NameCache) Resolve(ctx context.Context, participant string) string {
	n.mu.RLock()
	name, ok := n.names[participant]
	n.mu.RUnlock()
	if ok {
		return name
	}

	resolved, err := n.resolver(ctx, participant)
	if err != nil || resolved == "" {
		return participant
	}
	n.mu.Lock()
	n.names[participant] = resolved
	n.mu.Unlock()
	return resolved
}
