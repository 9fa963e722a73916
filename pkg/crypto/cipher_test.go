package crypto_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/plaenen/goalstore/pkg/crypto"
	"github.com/plaenen/goalstore/pkg/domain"
)

func testKey(b byte) []byte {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestSealOpen(t *testing.T) {
	key := testKey(1)
	plaintext := []byte(`{"title":"Ship the release"}`)
	contextStr := crypto.EventContext("goal-1", 1)

	ciphertext, err := crypto.Seal(key, contextStr, plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	opened, err := crypto.Open(key, contextStr, ciphertext)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("roundtrip mismatch: %q", opened)
	}

	t.Run("WrongKey", func(t *testing.T) {
		if _, err := crypto.Open(testKey(2), contextStr, ciphertext); !errors.Is(err, crypto.ErrDecryptFailed) {
			t.Errorf("expected ErrDecryptFailed, got %v", err)
		}
	})

	t.Run("WrongContext", func(t *testing.T) {
		// Same key, different aggregate: the context binding must reject it.
		if _, err := crypto.Open(key, crypto.EventContext("goal-2", 1), ciphertext); !errors.Is(err, crypto.ErrDecryptFailed) {
			t.Errorf("expected ErrDecryptFailed, got %v", err)
		}
		if _, err := crypto.Open(key, crypto.EventContext("goal-1", 2), ciphertext); !errors.Is(err, crypto.ErrDecryptFailed) {
			t.Errorf("expected ErrDecryptFailed, got %v", err)
		}
	})

	t.Run("Tampered", func(t *testing.T) {
		mangled := append([]byte(nil), ciphertext...)
		mangled[len(mangled)-1] ^= 0xff
		if _, err := crypto.Open(key, contextStr, mangled); !errors.Is(err, crypto.ErrDecryptFailed) {
			t.Errorf("expected ErrDecryptFailed, got %v", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		if _, err := crypto.Open(key, contextStr, ciphertext[:10]); !errors.Is(err, crypto.ErrDecryptFailed) {
			t.Errorf("expected ErrDecryptFailed, got %v", err)
		}
	})

	t.Run("InvalidKeyLength", func(t *testing.T) {
		if _, err := crypto.Seal([]byte("short"), contextStr, plaintext); !errors.Is(err, crypto.ErrInvalidKey) {
			t.Errorf("expected ErrInvalidKey, got %v", err)
		}
	})
}

func TestStaticKeyProvider(t *testing.T) {
	ctx := context.Background()
	provider := crypto.NewStaticKeyProvider()
	provider.SetKey("goal-1", testKey(7))

	key, err := provider.ResolveAggregateKey(ctx, "goal-1")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !bytes.Equal(key, testKey(7)) {
		t.Error("wrong key returned")
	}

	_, err = provider.ResolveAggregateKey(ctx, "goal-unknown")
	if !errors.Is(err, domain.ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
	var missing *domain.MissingKeyError
	if !errors.As(err, &missing) || missing.AggregateID != "goal-unknown" {
		t.Errorf("expected MissingKeyError with aggregate id, got %v", err)
	}

	provider.RemoveKey("goal-1")
	if _, err := provider.ResolveAggregateKey(ctx, "goal-1"); !errors.Is(err, domain.ErrMissingKey) {
		t.Errorf("expected ErrMissingKey after removal, got %v", err)
	}
}
