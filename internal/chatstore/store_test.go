package chatstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodbridge/donation-chat/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, conv, sender string, offset time.Duration) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Plaintext:      "text " + id,
		Timestamp:      t0.Add(offset),
		Status:         model.StatusCommitted,
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestInsertDeduplicatesByID(t *testing.T) {
	s := New()

	assert.True(t, s.Insert(msg("m1", "d1", "u1", 0)))
	dup := msg("m1", "d1", "u1", time.Minute)
	dup.Plaintext = "changed"
	assert.False(t, s.Insert(dup))
	assert.False(t, s.Insert(model.Message{ConversationID: "d1"}))

	got, ok := s.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "text m1", got.Plaintext)
	assert.Equal(t, 1, s.Len())
}

func TestConversationSortedByTimestamp(t *testing.T) {
	s := New()
	s.Insert(msg("c", "d1", "u1", 3*time.Second))
	s.Insert(msg("a", "d1", "u2", 1*time.Second))
	s.Insert(msg("other", "d2", "u1", 0))
	s.Insert(msg("b", "d1", "u1", 2*time.Second))
	s.Insert(msg("tie", "d1", "u2", 2*time.Second))

	assert.Equal(t, []string{"a", "b", "tie", "c"}, ids(s.Conversation("d1")))
	assert.Equal(t, []string{"c", "a", "other", "b", "tie"}, ids(s.Messages()))
	assert.Empty(t, s.Conversation("missing"))
}

func TestReadersGetCopies(t *testing.T) {
	s := New()
	s.Insert(msg("m1", "d1", "u1", 0))

	view := s.Conversation("d1")
	view[0].Read = true
	got, _ := s.Get("m1")
	assert.False(t, got.Read)
}

func TestReconcileReplacesPendingOnce(t *testing.T) {
	s := New()
	pending := msg("temp-1", "d1", "me", 0)
	pending.Status = model.StatusPending
	s.Insert(pending)
	s.Insert(msg("m0", "d1", "you", time.Second))

	found, ok := s.FindPending("d1", "me", t0.Add(400*time.Microsecond))
	require.True(t, ok)
	assert.Equal(t, "temp-1", found.ID)

	committed := msg("m1", "d1", "me", 0)
	assert.True(t, s.Reconcile("temp-1", committed))
	assert.False(t, s.Reconcile("temp-1", committed))

	assert.Equal(t, []string{"m1", "m0"}, ids(s.Messages()))
	_, ok = s.FindPending("d1", "me", t0)
	assert.False(t, ok)
}

func TestReconcileDropsPendingWhenCommittedArrivedFirst(t *testing.T) {
	s := New()
	pending := msg("temp-1", "d1", "me", 0)
	pending.Status = model.StatusPending
	s.Insert(pending)
	s.Insert(msg("m1", "d1", "me", 0))

	assert.True(t, s.Reconcile("temp-1", msg("m1", "d1", "me", 0)))
	assert.Equal(t, []string{"m1"}, ids(s.Messages()))
}

func TestReconcileIgnoresCommittedRecords(t *testing.T) {
	s := New()
	s.Insert(msg("m1", "d1", "me", 0))
	assert.False(t, s.Reconcile("m1", msg("m2", "d1", "me", 0)))
}

func TestUnreadCountScenario(t *testing.T) {
	s := New()
	a := msg("a", "d1", "B", 0)
	a.Delivered = true
	b := msg("b", "d1", "B", time.Second)
	b.Delivered, b.Read = true, true
	c := msg("c", "d1", "A", 2*time.Second)
	c.Delivered = true
	s.Insert(a)
	s.Insert(b)
	s.Insert(c)

	assert.Equal(t, 1, s.UnreadCount("d1", "A"))
	assert.True(t, s.HasUnread("d1", "A"))
	assert.False(t, s.HasUndelivered("d1", "A"))

	undelivered := msg("d", "d1", "B", 3*time.Second)
	s.Insert(undelivered)
	assert.Equal(t, 1, s.UnreadCount("d1", "A"))
	assert.True(t, s.HasUndelivered("d1", "A"))
}

func TestMarkReadAndDelivered(t *testing.T) {
	s := New()
	s.Insert(msg("a", "d1", "B", 0))
	s.Insert(msg("b", "d1", "A", time.Second))
	s.Insert(msg("c", "d2", "B", 0))

	assert.Equal(t, 1, s.MarkDelivered("d1", "A"))
	assert.Equal(t, 0, s.MarkDelivered("d1", "A"))
	assert.Equal(t, 1, s.MarkRead("d1", "A"))

	a, _ := s.Get("a")
	assert.True(t, a.Read)
	assert.True(t, a.Delivered)
	b, _ := s.Get("b")
	assert.False(t, b.Read)
	c, _ := s.Get("c")
	assert.False(t, c.Delivered)

	assert.Equal(t, 1, s.MarkDeliveredFrom("d1", "A"))
	b, _ = s.Get("b")
	assert.True(t, b.Delivered)
}

func TestUpdate(t *testing.T) {
	s := New()
	p := msg("temp-1", "d1", "me", 0)
	p.Status = model.StatusPending
	s.Insert(p)

	assert.True(t, s.Update("temp-1", func(m *model.Message) {
		m.Status = model.StatusFailed
		m.ID = "ignored"
	}))
	got, ok := s.Get("temp-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.False(t, s.Update("missing", func(*model.Message) {}))
}

func TestConversationsSummaries(t *testing.T) {
	s := New()
	old := msg("a", "d1", "B", 0)
	old.Delivered = true
	s.Insert(old)
	s.Insert(msg("b", "d2", "B", time.Minute))
	s.Insert(msg("c", "d1", "A", 30*time.Second))

	got := s.Conversations("A")
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].ConversationID)
	assert.Equal(t, "d1", got[1].ConversationID)
	assert.Equal(t, 2, got[1].MessageCount)
	assert.Equal(t, 1, got[1].Unread)
	assert.Equal(t, "c", got[1].LastMessage.ID)
	assert.True(t, s.HasConversation("d2"))
	assert.False(t, s.HasConversation("d3"))
}

func TestSubscribeAndClear(t *testing.T) {
	s := New()
	feed, cancel := s.Subscribe(8)

	s.Insert(msg("a", "d1", "B", 0))
	s.MarkRead("d1", "A")
	s.Clear()

	kinds := []EventKind{(<-feed).Kind, (<-feed).Kind, (<-feed).Kind}
	assert.Equal(t, []EventKind{EventInserted, EventUpdated, EventCleared}, kinds)
	assert.Zero(t, s.Len())
	assert.False(t, s.Has("a"))

	cancel()
	cancel()
	_, open := <-feed
	assert.False(t, open)
	s.Insert(msg("b", "d1", "B", 0))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	_, cancel := s.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		s.Insert(msg(string(rune('a'+i)), "d1", "B", 0))
	}
	assert.Equal(t, 10, s.Len())
}
