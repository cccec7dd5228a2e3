package service

import (
	"sort"
	"sync"

	"github.com/foodbridge/donation-chat/pkg/metrics"
)

// PresenceSet tracks which users the channel reports online.
type PresenceSet struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewPresenceSet creates an empty set.
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{online: make(map[string]struct{})}
}

// Replace swaps the whole set for a snapshot.
func (p *PresenceSet) Replace(userIDs []string) {
	p.mu.Lock()
	p.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			p.online[id] = struct{}{}
		}
	}
	n := len(p.online)
	p.mu.Unlock()
	metrics.OnlineUsers.Set(float64(n))
}

// Add marks userID online.
func (p *PresenceSet) Add(userID string) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	p.online[userID] = struct{}{}
	n := len(p.online)
	p.mu.Unlock()
	metrics.OnlineUsers.Set(float64(n))
}

// Remove marks userID offline.
func (p *PresenceSet) Remove(userID string) {
	p.mu.Lock()
	delete(p.online, userID)
	n := len(p.online)
	p.mu.Unlock()
	metrics.OnlineUsers.Set(float64(n))
}

// Contains reports whether userID is online.
func (p *PresenceSet) Contains(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// List returns the online user ids, sorted.
func (p *PresenceSet) List() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Clear empties the set.
func (p *PresenceSet) Clear() {
	p.Replace(nil)
}
