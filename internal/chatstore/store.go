// Package chatstore holds the decrypted messages of one session in memory.
//
// Messages are kept in arrival order and deduplicated by id. Conversation views
// are sorted by timestamp with arrival order breaking ties. The sync engine is
// the only writer; readers get copies and may subscribe to a change feed.
package chatstore

import (
	"sort"
	"sync"
	"time"

	"github.com/foodbridge/donation-chat/internal/model"
	"github.com/foodbridge/donation-chat/pkg/metrics"
)

// EventKind describes a change to the store.
type EventKind string

const (
	EventInserted   EventKind = "inserted"
	EventUpdated    EventKind = "updated"
	EventReconciled EventKind = "reconciled"
	EventCleared    EventKind = "cleared"
)

// Event is published on every mutation.
type Event struct {
	Kind           EventKind      `json:"kind"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	PreviousID     string         `json:"previous_id,omitempty"`
	Message        *model.Message `json:"message,omitempty"`
}

// Store is an id-deduplicated, arrival-ordered message set.
type Store struct {
	mu    sync.RWMutex
	order []*model.Message
	byID  map[string]*model.Message

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byID: make(map[string]*model.Message),
		subs: make(map[int]chan Event),
	}
}

// Insert appends msg unless a message with the same id is already present.
func (s *Store) Insert(msg model.Message) bool {
	if msg.ID == "" {
		return false
	}

	s.mu.Lock()
	if _, exists := s.byID[msg.ID]; exists {
		s.mu.Unlock()
		return false
	}
	stored := msg
	s.order = append(s.order, &stored)
	s.byID[stored.ID] = &stored
	n := len(s.order)
	s.mu.Unlock()

	metrics.StoreMessages.Set(float64(n))
	s.publish(Event{Kind: EventInserted, ConversationID: msg.ConversationID, MessageID: msg.ID, Message: &msg})
	return true
}

// Has reports whether a message with id is present.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Get returns a copy of the message with id.
func (s *Store) Get(id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return *msg, true
}

// FindPending returns the local (pending or failed) record describing the same
// send as the given conversation, sender and timestamp.
func (s *Store) FindPending(conversationID, senderID string, ts time.Time) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.order {
		if msg.Local() && msg.SameSend(conversationID, senderID, ts) {
			return *msg, true
		}
	}
	return model.Message{}, false
}

// Reconcile replaces the local record tempID with committed. When committed is
// already present the local record is dropped instead, so the send is never
// represented twice. It returns false if tempID is not a local record.
func (s *Store) Reconcile(tempID string, committed model.Message) bool {
	s.mu.Lock()
	local, ok := s.byID[tempID]
	if !ok || !local.Local() {
		s.mu.Unlock()
		return false
	}

	idx := s.indexOf(tempID)
	delete(s.byID, tempID)
	if _, exists := s.byID[committed.ID]; exists || committed.ID == "" {
		s.order = append(s.order[:idx], s.order[idx+1:]...)
	} else {
		stored := committed
		s.order[idx] = &stored
		s.byID[stored.ID] = &stored
	}
	n := len(s.order)
	s.mu.Unlock()

	metrics.StoreMessages.Set(float64(n))
	s.publish(Event{
		Kind:           EventReconciled,
		ConversationID: committed.ConversationID,
		MessageID:      committed.ID,
		PreviousID:     tempID,
		Message:        &committed,
	})
	return true
}

// Update applies fn to the message with id and reports whether it exists.
func (s *Store) Update(id string, fn func(*model.Message)) bool {
	s.mu.Lock()
	msg, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(msg)
	msg.ID = id
	updated := *msg
	s.mu.Unlock()

	s.publish(Event{Kind: EventUpdated, ConversationID: updated.ConversationID, MessageID: id, Message: &updated})
	return true
}

// MarkRead flags as read every message in conversationID not sent by exceptSender.
// It returns the number of messages that changed.
func (s *Store) MarkRead(conversationID, exceptSender string) int {
	return s.flag(conversationID, exceptSender, func(m *model.Message) bool {
		if m.Read {
			return false
		}
		m.Read = true
		return true
	})
}

// MarkDelivered flags as delivered every message in conversationID not sent by
// exceptSender. It returns the number of messages that changed.
func (s *Store) MarkDelivered(conversationID, exceptSender string) int {
	return s.flag(conversationID, exceptSender, func(m *model.Message) bool {
		if m.Delivered {
			return false
		}
		m.Delivered = true
		return true
	})
}

// MarkDeliveredFrom flags as delivered every message in conversationID sent by sender.
func (s *Store) MarkDeliveredFrom(conversationID, sender string) int {
	s.mu.Lock()
	var changed []model.Message
	for _, m := range s.order {
		if m.ConversationID == conversationID && m.SenderID == sender && !m.Delivered {
			m.Delivered = true
			changed = append(changed, *m)
		}
	}
	s.mu.Unlock()

	s.publishUpdates(changed)
	return len(changed)
}

func (s *Store) flag(conversationID, exceptSender string, apply func(*model.Message) bool) int {
	s.mu.Lock()
	var changed []model.Message
	for _, m := range s.order {
		if m.ConversationID != conversationID || m.SenderID == exceptSender {
			continue
		}
		if apply(m) {
			changed = append(changed, *m)
		}
	}
	s.mu.Unlock()

	s.publishUpdates(changed)
	return len(changed)
}

func (s *Store) publishUpdates(changed []model.Message) {
	for i := range changed {
		msg := changed[i]
		s.publish(Event{Kind: EventUpdated, ConversationID: msg.ConversationID, MessageID: msg.ID, Message: &msg})
	}
}

// Conversation returns the messages of conversationID sorted by timestamp.
func (s *Store) Conversation(conversationID string) []model.Message {
	s.mu.RLock()
	out := make([]model.Message, 0)
	for _, m := range s.order {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	s.mu.RUnlock()

	sortByTimestamp(out)
	return out
}

// Messages returns every message in arrival order.
func (s *Store) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.order))
	for i, m := range s.order {
		out[i] = *m
	}
	return out
}

// HasConversation reports whether any message belongs to conversationID.
func (s *Store) HasConversation(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.order {
		if m.ConversationID == conversationID {
			return true
		}
	}
	return false
}

// Conversations summarizes every conversation for userID, most recent first.
func (s *Store) Conversations(userID string) []model.ConversationSummary {
	s.mu.RLock()
	index := make(map[string]int)
	var summaries []model.ConversationSummary
	var latest []model.Message
	for _, m := range s.order {
		i, ok := index[m.ConversationID]
		if !ok {
			i = len(summaries)
			index[m.ConversationID] = i
			summaries = append(summaries, model.ConversationSummary{ConversationID: m.ConversationID})
			latest = append(latest, *m)
		}
		summaries[i].MessageCount++
		if unread(m, userID) {
			summaries[i].Unread++
		}
		if !m.Timestamp.Before(latest[i].Timestamp) {
			latest[i] = *m
		}
	}
	s.mu.RUnlock()

	for i := range summaries {
		last := latest[i]
		summaries[i].LastMessage = &last
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessage.Timestamp.After(summaries[j].LastMessage.Timestamp)
	})
	return summaries
}

// UnreadCount counts messages in conversationID sent by someone other than
// userID that were delivered but not read.
func (s *Store) UnreadCount(conversationID, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.order {
		if m.ConversationID == conversationID && unread(m, userID) {
			n++
		}
	}
	return n
}

func unread(m *model.Message, userID string) bool {
	return m.SenderID != userID && !m.Read && m.Delivered
}

// HasUnread reports whether conversationID holds a message from someone other
// than userID that is not read yet.
func (s *Store) HasUnread(conversationID, userID string) bool {
	return s.any(conversationID, func(m *model.Message) bool {
		return m.SenderID != userID && !m.Read
	})
}

// HasUndelivered reports whether conversationID holds a message from someone
// other than userID that is not delivered yet.
func (s *Store) HasUndelivered(conversationID, userID string) bool {
	return s.any(conversationID, func(m *model.Message) bool {
		return m.SenderID != userID && !m.Delivered
	})
}

func (s *Store) any(conversationID string, match func(*model.Message) bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.order {
		if m.ConversationID == conversationID && match(m) {
			return true
		}
	}
	return false
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Clear removes every message.
func (s *Store) Clear() {
	s.mu.Lock()
	s.order = nil
	s.byID = make(map[string]*model.Message)
	s.mu.Unlock()

	metrics.StoreMessages.Set(0)
	s.publish(Event{Kind: EventCleared})
}

// Subscribe returns a change feed and a function that closes it. Events are
// dropped for subscribers whose buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// indexOf must be called with mu held.
func (s *Store) indexOf(id string) int {
	for i, m := range s.order {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func sortByTimestamp(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
