// Package keyring provides the default KeyProvider: a master secret
// held by a Go Cloud secrets keeper, with per-aggregate keys derived
// via HKDF-SHA256. The master key never touches local storage in the
// clear; derived keys live only in memory.
package keyring

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"gocloud.dev/secrets"
	"golang.org/x/crypto/hkdf"
	// Keeper drivers are opt-in. Import in application code:
	// _ "gocloud.dev/secrets/awskms"
	// _ "gocloud.dev/secrets/gcpkms"
	// _ "gocloud.dev/secrets/azurekeyvault"
	// _ "gocloud.dev/secrets/hashivault"
	// _ "gocloud.dev/secrets/localsecrets"

	"github.com/plaenen/goalstore/pkg/crypto"
	"github.com/plaenen/goalstore/pkg/domain"
)

// hkdfSalt fixes the derivation domain so keys from the same master
// secret are distinct from any other HKDF use of it.
const hkdfSalt = "goalstore/keyring/v1"

// Keyring derives aggregate keys from a master secret. It implements
// crypto.KeyProvider.
type Keyring struct {
	master []byte

	mu      sync.RWMutex
	derived map[string][]byte
	closed  bool

	closeOnce sync.Once
}

// Open decrypts the sealed master secret with the keeper at the given
// URL and returns a ready keyring. The keeper is closed before Open
// returns; only the master secret is retained.
//
// URL formats follow gocloud.dev/secrets, e.g.
// "awskms://...", "gcpkms://...", "base64key://..." (local dev).
func Open(ctx context.Context, keeperURL string, sealedMaster []byte) (*Keyring, error) {
	if keeperURL == "" {
		return nil, fmt.Errorf("keeper URL is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	master, err := keeper.Decrypt(ctx, sealedMaster)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt master secret: %w", err)
	}
	return NewFromMaster(master)
}

// NewFromMaster builds a keyring directly from a plaintext master
// secret. Intended for tests and for callers that manage the secret
// themselves.
func NewFromMaster(master []byte) (*Keyring, error) {
	if len(master) < crypto.KeySize {
		return nil, fmt.Errorf("master secret too short: need at least %d bytes, got %d", crypto.KeySize, len(master))
	}
	return &Keyring{
		master:  append([]byte(nil), master...),
		derived: make(map[string][]byte),
	}, nil
}

// ResolveAggregateKey implements crypto.KeyProvider. Derived keys are
// cached; derivation is deterministic, so the cache is only an
// allocation saver.
func (k *Keyring) ResolveAggregateKey(ctx context.Context, aggregateID string) ([]byte, error) {
	if aggregateID == "" {
		return nil, domain.NewMissingKeyError(aggregateID, fmt.Errorf("empty aggregate id"))
	}

	k.mu.RLock()
	if k.closed {
		k.mu.RUnlock()
		return nil, domain.NewMissingKeyError(aggregateID, fmt.Errorf("keyring closed"))
	}
	if key, ok := k.derived[aggregateID]; ok {
		k.mu.RUnlock()
		return key, nil
	}
	k.mu.RUnlock()

	key := make([]byte, crypto.KeySize)
	r := hkdf.New(sha256.New, k.master, []byte(hkdfSalt), []byte(aggregateID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key for %s: %w", aggregateID, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, domain.NewMissingKeyError(aggregateID, fmt.Errorf("keyring closed"))
	}
	k.derived[aggregateID] = key
	return key, nil
}

// Close zeroes the master secret and all derived keys. Subsequent
// resolutions fail with a missing-key error.
func (k *Keyring) Close() error {
	k.closeOnce.Do(func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		k.closed = true
		for i := range k.master {
			k.master[i] = 0
		}
		for _, key := range k.derived {
			for i := range key {
				key[i] = 0
			}
		}
		k.derived = nil
	})
	return nil
}
