package keyring

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets" // Enable local secrets for testing

	"github.com/plaenen/goalstore/pkg/crypto"
	"github.com/plaenen/goalstore/pkg/domain"
)

const testKeeperURL = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="

func TestNewFromMaster(t *testing.T) {
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)

	k, err := NewFromMaster(master)
	require.NoError(t, err)
	defer k.Close()

	ctx := context.Background()

	t.Run("Deterministic", func(t *testing.T) {
		key1, err := k.ResolveAggregateKey(ctx, "goal-1")
		require.NoError(t, err)
		assert.Len(t, key1, crypto.KeySize)

		again, err := k.ResolveAggregateKey(ctx, "goal-1")
		require.NoError(t, err)
		assert.Equal(t, key1, again)

		other, err := NewFromMaster(master)
		require.NoError(t, err)
		defer other.Close()
		fromOther, err := other.ResolveAggregateKey(ctx, "goal-1")
		require.NoError(t, err)
		assert.Equal(t, key1, fromOther, "derivation must not depend on instance state")
	})

	t.Run("DistinctPerAggregate", func(t *testing.T) {
		key1, err := k.ResolveAggregateKey(ctx, "goal-1")
		require.NoError(t, err)
		key2, err := k.ResolveAggregateKey(ctx, "goal-2")
		require.NoError(t, err)
		assert.NotEqual(t, key1, key2)

		analytics, err := k.ResolveAggregateKey(ctx, "analytics")
		require.NoError(t, err)
		assert.NotEqual(t, key1, analytics)
	})

	t.Run("EmptyIDIsMissingKey", func(t *testing.T) {
		_, err := k.ResolveAggregateKey(ctx, "")
		assert.ErrorIs(t, err, domain.ErrMissingKey)
	})

	t.Run("ShortMasterRejected", func(t *testing.T) {
		_, err := NewFromMaster([]byte("short"))
		assert.Error(t, err)
	})
}

func TestOpenWithKeeper(t *testing.T) {
	ctx := context.Background()

	keeper, err := secrets.OpenKeeper(ctx, testKeeperURL)
	require.NoError(t, err)
	defer keeper.Close()

	master := make([]byte, 32)
	_, err = rand.Read(master)
	require.NoError(t, err)

	sealed, err := keeper.Encrypt(ctx, master)
	require.NoError(t, err)

	k, err := Open(ctx, testKeeperURL, sealed)
	require.NoError(t, err)
	defer k.Close()

	direct, err := NewFromMaster(master)
	require.NoError(t, err)
	defer direct.Close()

	viaKeeper, err := k.ResolveAggregateKey(ctx, "goal-1")
	require.NoError(t, err)
	want, err := direct.ResolveAggregateKey(ctx, "goal-1")
	require.NoError(t, err)
	assert.Equal(t, want, viaKeeper)

	t.Run("BadCiphertext", func(t *testing.T) {
		_, err := Open(ctx, testKeeperURL, []byte("garbage"))
		assert.Error(t, err)
	})

	t.Run("MissingURL", func(t *testing.T) {
		_, err := Open(ctx, "", nil)
		assert.Error(t, err)
	})
}

func TestClosedKeyringResolvesNothing(t *testing.T) {
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)

	k, err := NewFromMaster(master)
	require.NoError(t, err)
	require.NoError(t, k.Close())
	require.NoError(t, k.Close(), "close must be idempotent")

	_, err = k.ResolveAggregateKey(context.Background(), "goal-1")
	assert.ErrorIs(t, err, domain.ErrMissingKey)
}

func BenchmarkResolveAggregateKey(b *testing.B) {
	master := make([]byte, 32)
	rand.Read(master)
	k, _ := NewFromMaster(master)
	defer k.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := k.ResolveAggregateKey(ctx, fmt.Sprintf("goal-%d", i%100)); err != nil {
			b.Fatal(err)
		}
	}
}
