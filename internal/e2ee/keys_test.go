package e2ee

import (
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodbridge/donation-chat/internal/model"
)

func fastKeys() *KeyManager {
	return NewKeyManager(WithIterations(1000))
}

func TestKeyMatchesPBKDF2Vector(t *testing.T) {
	m := NewKeyManager()

	key, err := m.Key("d001")
	require.NoError(t, err)

	// PBKDF2-HMAC-SHA256("d001", "chat-e2ee", 100000, 32), as derived by the web client.
	assert.Equal(t, "242b20c43cc30c2606eb080d18425b3cd02d37c36cb5ce1d008d6dec74af825e", hex.EncodeToString(key.Bytes()))
	assert.Equal(t, "d001", key.ConversationID())
}

func TestKeyIsDeterministicAndDerivedOnce(t *testing.T) {
	m := fastKeys()

	first, err := m.Key("d001")
	require.NoError(t, err)
	second, err := m.Key("d001")
	require.NoError(t, err)

	assert.Equal(t, first.Bytes(), second.Bytes())
	assert.True(t, first.Equal(second))
	assert.EqualValues(t, 1, m.Derivations())

	other, err := m.Key("d002")
	require.NoError(t, err)
	assert.False(t, first.Equal(other))
	assert.EqualValues(t, 2, m.Derivations())
	assert.Equal(t, 2, m.Len())
}

func TestKeyConcurrentFirstUseDerivesOnce(t *testing.T) {
	m := fastKeys()

	var wg sync.WaitGroup
	keys := make([]*Key, 32)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := m.Key("d-race")
			if err == nil {
				keys[i] = k
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, m.Derivations())
	for _, k := range keys {
		require.NotNil(t, k)
		assert.True(t, keys[0].Equal(k))
	}
}

func TestKeyRejectsEmptyConversation(t *testing.T) {
	m := fastKeys()

	for _, id := range []string{"", "   "} {
		_, err := m.Key(id)
		assert.ErrorIs(t, err, model.ErrInvalidArgument)
	}
	assert.Zero(t, m.Derivations())
}

func TestKeySaltChangesMaterial(t *testing.T) {
	a, err := NewKeyManager(WithIterations(1000)).Key("d001")
	require.NoError(t, err)
	b, err := NewKeyManager(WithIterations(1000), WithSalt("other-salt")).Key("d001")
	require.NoError(t, err)

	assert.Equal(t, "1f1698d0b12ea862a20c11461a6544e4fed10c1475c81ef3e20234a2a366256c", hex.EncodeToString(a.Bytes()))
	assert.False(t, a.Equal(b))
}

func TestClearForcesRederivation(t *testing.T) {
	m := fastKeys()

	_, err := m.Key("d001")
	require.NoError(t, err)
	m.Clear()
	assert.Zero(t, m.Len())

	_, err = m.Key("d001")
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.Derivations())
}
