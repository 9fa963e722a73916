package crypto

import (
	"context"
	"sync"

	"github.com/plaenen/goalstore/pkg/domain"
)

// StaticKeyProvider resolves aggregate keys from an in-memory map.
// Useful for tests and for callers that manage keys themselves.
// Unknown aggregates yield a domain.MissingKeyError, which the
// projection processor treats as a recoverable pause.
type StaticKeyProvider struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewStaticKeyProvider creates an empty provider.
func NewStaticKeyProvider() *StaticKeyProvider {
	return &StaticKeyProvider{keys: make(map[string][]byte)}
}

// SetKey registers or replaces the key for an aggregate.
func (p *StaticKeyProvider) SetKey(aggregateID string, key []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := make([]byte, len(key))
	copy(k, key)
	p.keys[aggregateID] = k
}

// RemoveKey forgets the key for an aggregate.
func (p *StaticKeyProvider) RemoveKey(aggregateID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, aggregateID)
}

// ResolveAggregateKey implements KeyProvider.
func (p *StaticKeyProvider) ResolveAggregateKey(ctx context.Context, aggregateID string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	key, ok := p.keys[aggregateID]
	if !ok {
		return nil, domain.NewMissingKeyError(aggregateID, nil)
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}
