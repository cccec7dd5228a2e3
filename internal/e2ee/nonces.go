package e2ee

import "sync"

// NonceCache remembers the nonce of every locally created message, keyed by
// message id, for payloads the backing store returns without one.
type NonceCache struct {
	mu     sync.RWMutex
	nonces map[string]string
}

// NewNonceCache creates an empty cache.
func NewNonceCache() *NonceCache {
	return &NonceCache{nonces: make(map[string]string)}
}

// Put stores nonce for id. Empty values are ignored.
func (c *NonceCache) Put(id, nonce string) {
	if id == "" || nonce == "" {
		return
	}
	c.mu.Lock()
	c.nonces[id] = nonce
	c.mu.Unlock()
}

// Get returns the nonce cached for id.
func (c *NonceCache) Get(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nonce, ok := c.nonces[id]
	return nonce, ok
}

// Len returns the number of cached nonces.
func (c *NonceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nonces)
}

// Clear drops every entry.
func (c *NonceCache) Clear() {
	c.mu.Lock()
	c.nonces = make(map[string]string)
	c.mu.Unlock()
}
