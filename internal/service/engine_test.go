package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodbridge/donation-chat/internal/channel"
	"github.com/foodbridge/donation-chat/internal/chatstore"
	"github.com/foodbridge/donation-chat/internal/e2ee"
	"github.com/foodbridge/donation-chat/internal/model"
	"github.com/foodbridge/donation-chat/pkg/logger"
)

func newTestEngine(t *testing.T, store *fakeStore, userID string) (*Engine, *chatstore.Store) {
	t.Helper()
	chats := chatstore.New()
	caches := newSessionCaches(e2ee.WithIterations(testIterations))
	e := newEngine(model.Principal{UserID: userID}, store, chats, caches, nil,
		EngineConfig{MaxSendAttempts: 2}, logger.NewNop())
	e.start()
	t.Cleanup(e.stop)
	return e, chats
}

func seedChats(chats *chatstore.Store, msgs ...model.Message) {
	for _, m := range msgs {
		m.Status = model.StatusCommitted
		chats.Insert(m)
	}
}

func flush(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.doWait(context.Background(), func() {}))
}

func TestHandlePushReadReceipt(t *testing.T) {
	e, chats := newTestEngine(t, newFakeStore(), "A")
	seedChats(chats,
		model.Message{ID: "1", ConversationID: "d1", SenderID: "A", Timestamp: base},
		model.Message{ID: "2", ConversationID: "d1", SenderID: "B", Timestamp: base.Add(time.Second)},
	)

	require.NoError(t, e.HandlePush(channel.EventMessageRead, []byte(`{"conversationId":"d1","senderId":"B"}`)))
	flush(t, e)

	one, _ := chats.Get("1")
	two, _ := chats.Get("2")
	assert.True(t, one.Read)
	assert.False(t, two.Read)
}

func TestHandlePushDeliveredReceipt(t *testing.T) {
	e, chats := newTestEngine(t, newFakeStore(), "A")
	seedChats(chats,
		model.Message{ID: "1", ConversationID: "d1", SenderID: "A", Timestamp: base},
		model.Message{ID: "2", ConversationID: "d1", SenderID: "B", Timestamp: base.Add(time.Second)},
		model.Message{ID: "3", ConversationID: "d2", SenderID: "A", Timestamp: base},
	)

	require.NoError(t, e.HandlePush(channel.EventMessageDelivered, []byte(`{"conversationId":"d1","userId":"B"}`)))
	flush(t, e)
	one, _ := chats.Get("1")
	two, _ := chats.Get("2")
	assert.True(t, one.Delivered)
	assert.False(t, two.Delivered)

	// Without a recipient the receipt applies to messages this user sent.
	require.NoError(t, e.HandlePush(channel.EventMessageDelivered, []byte(`{"conversationId":"d2"}`)))
	flush(t, e)
	three, _ := chats.Get("3")
	assert.True(t, three.Delivered)
}

func TestHandlePushRejectsMalformedPayloads(t *testing.T) {
	e, _ := newTestEngine(t, newFakeStore(), "A")

	for _, event := range []string{channel.EventNewMessage, channel.EventMessageRead, channel.EventMessageDelivered} {
		err := e.HandlePush(event, []byte(`{not json`))
		assert.ErrorIs(t, err, model.ErrInvalidArgument, event)
	}
	assert.NoError(t, e.HandlePush("typing", []byte(`{}`)))
}

func TestHandlePushNewMessageDecrypts(t *testing.T) {
	e, chats := newTestEngine(t, newFakeStore(), "A")
	seedChats(chats, model.Message{ID: "1", ConversationID: "d1", SenderID: "A", Timestamp: base})

	key, err := e.caches.keys.Key("d1")
	require.NoError(t, err)
	ct, nonce, err := e2ee.EncryptString(key, "two crates of apples")
	require.NoError(t, err)

	payload, err := channel.Encode(model.Envelope{
		ID: "2", ConversationID: "d1", SenderID: "B",
		Ciphertext: ct, Nonce: nonce,
		Timestamp: model.Timestamp{Time: base.Add(time.Second)},
	})
	require.NoError(t, err)

	require.NoError(t, e.HandlePush(channel.EventNewMessage, payload))
	require.NoError(t, e.HandlePush(channel.EventNewMessage, payload))
	flush(t, e)

	msgs := chats.Conversation("d1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "two crates of apples", msgs[1].Plaintext)
	assert.False(t, msgs[1].Delivered)

	cached, ok := e.caches.nonces.Get("2")
	assert.True(t, ok)
	assert.Equal(t, nonce, cached)
}

func TestOpenWithWrongNonceUsesPlaceholder(t *testing.T) {
	e, _ := newTestEngine(t, newFakeStore(), "A")
	key, err := e.caches.keys.Key("d1")
	require.NoError(t, err)
	ct, _, err := e2ee.EncryptString(key, "secret")
	require.NoError(t, err)
	_, otherNonce, err := e2ee.EncryptString(key, "other")
	require.NoError(t, err)

	msg := e.open(model.Inbound{ID: "1", ConversationID: "d1", SenderID: "B", Ciphertext: ct, Timestamp: base}, otherNonce)
	assert.True(t, msg.DecryptFailed)
	assert.Equal(t, model.DecryptionErrorText, msg.Plaintext)

	empty := e.open(model.Inbound{ID: "2", ConversationID: "d1", SenderID: "B", Timestamp: base}, "")
	assert.False(t, empty.DecryptFailed)
	assert.Empty(t, empty.Plaintext)
}

func TestOutboxDrainsAfterCommit(t *testing.T) {
	store := newFakeStore()
	e, chats := newTestEngine(t, store, "A")

	_, err := e.Send(context.Background(), "A", "see you at the pantry", "d1", base)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n := -1
		if err := e.doWait(context.Background(), func() { n = e.outboxLen() }); err != nil {
			return false
		}
		return n == 0
	}, waitFor, tick)

	msgs := chats.Conversation("d1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, model.StatusCommitted, msgs[0].Status)
}

func TestSendTruncatesTimestampToMilliseconds(t *testing.T) {
	store := newFakeStore()
	store.appendGate = make(chan struct{})
	defer close(store.appendGate)
	e, _ := newTestEngine(t, store, "A")

	msg, err := e.Send(context.Background(), "A", "hi", "d1", base.Add(1500*time.Microsecond))
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Millisecond), msg.Timestamp)
	assert.Equal(t, model.StatusPending, msg.Status)
}

func TestStoppedEngineRejectsWork(t *testing.T) {
	e, _ := newTestEngine(t, newFakeStore(), "A")
	e.stop()

	assert.ErrorIs(t, e.Poll(context.Background()), model.ErrSessionClosed)
	_, err := e.Send(context.Background(), "A", "hi", "d1", base)
	assert.ErrorIs(t, err, model.ErrSessionClosed)
	assert.ErrorIs(t, e.HandlePush(channel.EventMessageRead, []byte(`{}`)), model.ErrSessionClosed)
}

func TestPresenceSet(t *testing.T) {
	p := NewPresenceSet()
	p.Replace([]string{"B", "", "A"})
	assert.Equal(t, []string{"A", "B"}, p.List())

	p.Add("C")
	p.Add("")
	p.Remove("A")
	assert.True(t, p.Contains("C"))
	assert.False(t, p.Contains("A"))
	assert.Equal(t, []string{"B", "C"}, p.List())

	p.Clear()
	assert.Empty(t, p.List())
}

func TestSessionCachesReadDebounce(t *testing.T) {
	c := newSessionCaches(e2ee.WithIterations(testIterations))

	assert.True(t, c.claimRead("d1"))
	assert.False(t, c.claimRead("d1"))
	assert.True(t, c.readIssued("d1"))

	c.releaseRead("d1")
	assert.False(t, c.readIssued("d1"))
	assert.True(t, c.claimRead("d1"))

	_, err := c.keys.Key("d1")
	require.NoError(t, err)
	c.nonces.Put("m1", "nonce")
	c.teardown()
	assert.Zero(t, c.keys.Len())
	assert.Zero(t, c.nonces.Len())
	assert.False(t, c.readIssued("d1"))
}
