// Package e2ee implements per-conversation end-to-end message encryption:
// PBKDF2-derived AES-256-GCM keys, sealing with internal random nonces, and the
// nonce cache used to recover payloads that travel without their nonce.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"

	"github.com/foodbridge/donation-chat/internal/model"
	"github.com/foodbridge/donation-chat/pkg/metrics"
)

const (
	// DefaultSalt is the application-wide PBKDF2 salt.
	DefaultSalt = "chat-e2ee"

	// DefaultIterations is the PBKDF2 work factor.
	DefaultIterations = 100000

	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
)

// Key is a derived conversation key with its ready-to-use AEAD.
type Key struct {
	conversationID string
	raw            [KeySize]byte
	aead           cipher.AEAD
}

// ConversationID returns the conversation the key was derived for.
func (k *Key) ConversationID() string { return k.conversationID }

// Bytes returns a copy of the raw key material.
func (k *Key) Bytes() []byte {
	out := make([]byte, KeySize)
	copy(out, k.raw[:])
	return out
}

// Equal reports whether both keys hold the same material.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.raw[:], other.raw[:]) == 1
}

// KeyOption configures a KeyManager.
type KeyOption func(*KeyManager)

// WithSalt overrides the PBKDF2 salt.
func WithSalt(salt string) KeyOption {
	return func(m *KeyManager) { m.salt = []byte(salt) }
}

// WithIterations overrides the PBKDF2 iteration count. Non-positive values are ignored.
func WithIterations(n int) KeyOption {
	return func(m *KeyManager) {
		if n > 0 {
			m.iterations = n
		}
	}
}

// KeyManager derives conversation keys once and caches them for the session.
// Safe for concurrent use; concurrent first requests for the same conversation
// share a single derivation.
type KeyManager struct {
	salt       []byte
	iterations int

	mu    sync.RWMutex
	keys  map[string]*Key
	group singleflight.Group

	derivations atomic.Int64
}

// NewKeyManager creates an empty key cache.
func NewKeyManager(opts ...KeyOption) *KeyManager {
	m := &KeyManager{
		salt:       []byte(DefaultSalt),
		iterations: DefaultIterations,
		keys:       make(map[string]*Key),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the key for conversationID, deriving it on first use.
func (m *KeyManager) Key(conversationID string) (*Key, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("conversation id is empty: %w", model.ErrInvalidArgument)
	}

	m.mu.RLock()
	key, ok := m.keys[conversationID]
	m.mu.RUnlock()
	if ok {
		return key, nil
	}

	v, err, _ := m.group.Do(conversationID, func() (any, error) {
		m.mu.RLock()
		cached, ok := m.keys[conversationID]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		derived, err := m.derive(conversationID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.keys[conversationID] = derived
		m.mu.Unlock()
		return derived, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Key), nil
}

func (m *KeyManager) derive(conversationID string) (*Key, error) {
	m.derivations.Add(1)
	metrics.KeyDerivations.Inc()

	material := pbkdf2.Key([]byte(conversationID), m.salt, m.iterations, KeySize, sha256.New)

	k := &Key{conversationID: conversationID}
	copy(k.raw[:], material)

	block, err := aes.NewCipher(k.raw[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	k.aead = aead
	return k, nil
}

// Derivations returns how many derivations this manager has performed.
func (m *KeyManager) Derivations() int64 {
	return m.derivations.Load()
}

// Len returns the number of cached keys.
func (m *KeyManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Clear drops every cached key.
func (m *KeyManager) Clear() {
	m.mu.Lock()
	m.keys = make(map[string]*Key)
	m.mu.Unlock()
}
