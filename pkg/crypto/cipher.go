// Package crypto provides the authenticated encryption used for all
// persisted payloads: event bodies, snapshots, analytics and the search
// index. Every ciphertext is bound to a context string (aggregate id
// and version, or a fixed derived-state id) so that a ciphertext cannot
// be substituted across aggregates or versions without detection.
package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required aggregate key length in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrInvalidKey is returned for keys of the wrong length.
	ErrInvalidKey = errors.New("invalid key: expected 32 bytes")

	// ErrDecryptFailed is returned when authentication fails, either
	// because the ciphertext was tampered with or because it was sealed
	// under a different key or context.
	ErrDecryptFailed = errors.New("decryption failed: ciphertext or context invalid")
)

// KeyProvider resolves the symmetric key for an aggregate. The fixed
// ids "analytics" and "search" resolve the keys for the derived-state
// blobs. Keys are consumed, never stored, by this engine.
type KeyProvider interface {
	// ResolveAggregateKey returns the 32-byte key for an aggregate, or
	// an error satisfying errors.Is(err, domain.ErrMissingKey) when the
	// key cannot be resolved right now.
	ResolveAggregateKey(ctx context.Context, aggregateID string) ([]byte, error)
}

// SnapshotContext returns the authenticated context binding a snapshot
// ciphertext to its aggregate id and version.
func SnapshotContext(aggregateID string, version int64) string {
	return fmt.Sprintf("goalstore/snapshot:%s:v%d", aggregateID, version)
}

// EventContext returns the authenticated context for an event payload.
func EventContext(aggregateID string, version int64) string {
	return fmt.Sprintf("goalstore/event:%s:v%d", aggregateID, version)
}

// BlobContext returns the authenticated context for a derived-state
// blob ("analytics" or "search") at a given cursor position.
func BlobContext(blobID string, lastSequence int64) string {
	return fmt.Sprintf("goalstore/blob:%s:seq%d", blobID, lastSequence)
}

// Seal encrypts plaintext under key with the context string as
// additional authenticated data. The random nonce is prepended to the
// returned ciphertext.
func Seal(key []byte, contextStr string, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(contextStr)), nil
}

// Open decrypts a ciphertext produced by Seal. The same key and context
// string must be supplied; any mismatch yields ErrDecryptFailed.
func Open(key []byte, contextStr string, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(contextStr))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return chacha20poly1305.NewX(key)
}
