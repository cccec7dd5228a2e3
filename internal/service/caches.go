package service

import (
	"sync"

	"github.com/foodbridge/donation-chat/internal/e2ee"
)

// sessionCaches owns every cache scoped to one login: conversation keys,
// nonces of locally created messages and the mark-read debounce set.
type sessionCaches struct {
	keys   *e2ee.KeyManager
	nonces *e2ee.NonceCache

	mu   sync.Mutex
	read map[string]struct{}
}

func newSessionCaches(opts ...e2ee.KeyOption) *sessionCaches {
	return &sessionCaches{
		keys:   e2ee.NewKeyManager(opts...),
		nonces: e2ee.NewNonceCache(),
		read:   make(map[string]struct{}),
	}
}

// claimRead adds conversationID to the debounce set. It returns false if a
// mark-read for the conversation was already issued.
func (c *sessionCaches) claimRead(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.read[conversationID]; ok {
		return false
	}
	c.read[conversationID] = struct{}{}
	return true
}

func (c *sessionCaches) readIssued(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.read[conversationID]
	return ok
}

// releaseRead removes conversationID so a later mark-read goes out again.
func (c *sessionCaches) releaseRead(conversationID string) {
	c.mu.Lock()
	delete(c.read, conversationID)
	c.mu.Unlock()
}

func (c *sessionCaches) teardown() {
	c.keys.Clear()
	c.nonces.Clear()
	c.mu.Lock()
	c.read = make(map[string]struct{})
	c.mu.Unlock()
}
