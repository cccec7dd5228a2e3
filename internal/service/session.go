// Package service runs the encrypted chat session of the signed-in user: the
// sync engine that merges push, poll and local sends, and the session manager
// that owns identity, the real-time channel and the poll timer.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/internal/backend"
	"github.com/foodbridge/donation-chat/internal/channel"
	"github.com/foodbridge/donation-chat/internal/chatstore"
	"github.com/foodbridge/donation-chat/internal/e2ee"
	"github.com/foodbridge/donation-chat/internal/model"
	"github.com/foodbridge/donation-chat/pkg/logger"
	"github.com/foodbridge/donation-chat/pkg/metrics"
	"github.com/foodbridge/donation-chat/pkg/tracing"
)

// Options configures a SessionManager.
type Options struct {
	PollInterval    time.Duration
	MaxSendAttempts int
	KDFIterations   int
	KDFSalt         string
}

func (o *Options) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxSendAttempts < 1 {
		o.MaxSendAttempts = 3
	}
	if o.KDFIterations <= 0 {
		o.KDFIterations = e2ee.DefaultIterations
	}
	if o.KDFSalt == "" {
		o.KDFSalt = e2ee.DefaultSalt
	}
}

// SessionInfo describes the active session.
type SessionInfo struct {
	ID               string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	Email            string    `json:"email"`
	StartedAt        time.Time `json:"started_at"`
	ChannelConnected bool      `json:"channel_connected"`
}

type session struct {
	id        string
	principal model.Principal
	startedAt time.Time
	chats     *chatstore.Store
	caches    *sessionCaches
	engine    *Engine
	presence  *PresenceSet
	logger    *logger.Logger

	unsubscribe []func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// SessionManager owns the chat session of one signed-in user at a time.
type SessionManager struct {
	store   backend.Store
	channel channel.Client
	opts    Options
	logger  *logger.Logger
	tracer  trace.Tracer

	// lifecycle serializes Start and End.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	session   *session
}

// NewSessionManager creates a session manager. ch may be nil to run poll-only.
func NewSessionManager(store backend.Store, ch channel.Client, opts Options, log *logger.Logger) *SessionManager {
	opts.normalize()
	return &SessionManager{
		store:   store,
		channel: ch,
		opts:    opts,
		logger:  log.Named("session"),
		tracer:  tracing.Tracer(),
	}
}

// Start begins a session for email. userID skips the identity lookup when set.
// A session for another user is ended first; starting the same user again
// returns the running session.
func (m *SessionManager) Start(ctx context.Context, email, userID string) (SessionInfo, error) {
	ctx, span := m.tracer.Start(ctx, "session.start")
	defer span.End()

	email = strings.TrimSpace(email)
	if email == "" {
		return SessionInfo{}, fmt.Errorf("email is empty: %w", model.ErrInvalidArgument)
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if current := m.current(); current != nil && current.principal.Email == email &&
		(userID == "" || userID == current.principal.UserID) {
		return m.info(current), nil
	}

	if userID == "" {
		resolved, err := m.store.ResolveUserID(ctx, email)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve user id")
			return SessionInfo{}, fmt.Errorf("failed to resolve user id: %w", err)
		}
		userID = resolved
	}
	span.SetAttributes(attribute.String("chat.user_id", userID))

	if current := m.current(); current != nil {
		m.logger.Info("switching user, ending previous session",
			zap.String("previous_user_id", current.principal.UserID),
			zap.String("user_id", userID),
		)
		m.end(current)
	}

	sess := m.newSession(model.Principal{UserID: userID, Email: email})

	if m.channel != nil {
		m.bind(sess)
		if err := m.channel.Connect(ctx, userID); err != nil {
			sess.logger.Warn("channel unavailable, running poll-only", zap.Error(err))
			metrics.SetChannelConnected(false)
		}
	}

	sess.engine.start()
	pollCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.wg.Add(1)
	go m.pollLoop(pollCtx, sess)

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	sess.logger.Info("session started")
	return m.info(sess), nil
}

func (m *SessionManager) newSession(p model.Principal) *session {
	id := uuid.Must(uuid.NewV7()).String()
	chats := chatstore.New()
	caches := newSessionCaches(e2ee.WithIterations(m.opts.KDFIterations), e2ee.WithSalt(m.opts.KDFSalt))
	log := m.logger.WithSession(id, p.UserID)

	return &session{
		id:        id,
		principal: p,
		startedAt: time.Now().UTC(),
		chats:     chats,
		caches:    caches,
		presence:  NewPresenceSet(),
		logger:    log,
		engine: newEngine(p, m.store, chats, caches, m.channel, EngineConfig{
			MaxSendAttempts: m.opts.MaxSendAttempts,
		}, log),
	}
}

// bind registers the session's push handlers on the channel.
func (m *SessionManager) bind(sess *session) {
	push := func(event string) channel.Handler {
		return func(payload []byte) {
			if err := sess.engine.HandlePush(event, payload); err != nil {
				if errors.Is(err, model.ErrSessionClosed) {
					return
				}
				sess.logger.Warn("push event rejected", zap.String("event", event), zap.Error(err))
			}
		}
	}

	sess.unsubscribe = append(sess.unsubscribe,
		m.channel.On(channel.EventNewMessage, push(channel.EventNewMessage)),
		m.channel.On(channel.EventMessageRead, push(channel.EventMessageRead)),
		m.channel.On(channel.EventMessageDelivered, push(channel.EventMessageDelivered)),
		m.channel.On(channel.EventPresenceSnapshot, func(payload []byte) {
			var snap model.PresenceSnapshot
			if err := json.Unmarshal(payload, &snap); err != nil {
				sess.logger.Warn("bad presence snapshot", zap.Error(err))
				return
			}
			sess.presence.Replace(snap.OnlineUserIDs)
		}),
		m.channel.On(channel.EventUserConnected, func(payload []byte) {
			var change model.PresenceChange
			if err := json.Unmarshal(payload, &change); err == nil {
				sess.presence.Add(change.UserID)
			}
		}),
		m.channel.On(channel.EventUserDisconnected, func(payload []byte) {
			var change model.PresenceChange
			if err := json.Unmarshal(payload, &change); err == nil {
				sess.presence.Remove(change.UserID)
			}
		}),
	)
}

func (m *SessionManager) pollLoop(ctx context.Context, sess *session) {
	defer sess.wg.Done()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		m.pollOnce(ctx, sess)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *SessionManager) pollOnce(ctx context.Context, sess *session) {
	ctx, span := m.tracer.Start(ctx, "session.poll")
	defer span.End()

	// No reconnect once the session is ending.
	if m.channel != nil && !m.channel.Connected() && ctx.Err() == nil {
		if err := m.channel.Connect(ctx, sess.principal.UserID); err != nil {
			sess.logger.Debug("channel reconnect failed", zap.Error(err))
		} else {
			sess.logger.Info("channel reconnected")
		}
	}

	if err := sess.engine.Poll(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, model.ErrSessionClosed) {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll")
		sess.logger.Warn("poll failed", zap.Error(err))
	}
}

// End tears the active session down. It is a no-op without a session.
func (m *SessionManager) End() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if sess := m.current(); sess != nil {
		m.end(sess)
	}
}

// end must be called with lifecycle held.
func (m *SessionManager) end(sess *session) {
	m.mu.Lock()
	if m.session == sess {
		m.session = nil
	}
	m.mu.Unlock()

	// The poll loop reconnects the channel; stop it before disconnecting.
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.wg.Wait()

	for _, off := range sess.unsubscribe {
		off()
	}
	if m.channel != nil {
		if err := m.channel.Disconnect(); err != nil {
			sess.logger.Warn("channel disconnect failed", zap.Error(err))
		}
	}
	sess.engine.stop()

	sess.chats.Clear()
	sess.caches.teardown()
	sess.presence.Clear()
	sess.logger.Info("session ended")
}

func (m *SessionManager) current() *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *SessionManager) active() (*session, error) {
	sess := m.current()
	if sess == nil {
		return nil, model.ErrNoSession
	}
	return sess, nil
}

func (m *SessionManager) info(sess *session) SessionInfo {
	return SessionInfo{
		ID:               sess.id,
		UserID:           sess.principal.UserID,
		Email:            sess.principal.Email,
		StartedAt:        sess.startedAt,
		ChannelConnected: m.channel != nil && m.channel.Connected(),
	}
}

// Info returns the active session.
func (m *SessionManager) Info() (SessionInfo, error) {
	sess, err := m.active()
	if err != nil {
		return SessionInfo{}, err
	}
	return m.info(sess), nil
}

// ChannelConnected reports whether the real-time channel is up.
func (m *SessionManager) ChannelConnected() bool {
	return m.channel != nil && m.channel.Connected()
}

// SendMessage encrypts text and sends it to conversationID. Whitespace-only
// text is ignored and returns nil. The returned record is pending; the
// backing store write completes in the background and its failures are only
// logged and retried on later polls. Errors are returned only when the send
// cannot be queued at all: an invalid conversation id, no active session or
// a stopped engine.
func (m *SessionManager) SendMessage(ctx context.Context, senderID, text, conversationID string, ts time.Time) (*model.Message, error) {
	ctx, span := m.tracer.Start(ctx, "session.send_message",
		trace.WithAttributes(attribute.String("chat.conversation_id", conversationID)))
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if err := validConversationID(conversationID); err != nil {
		return nil, err
	}
	sess, err := m.active()
	if err != nil {
		return nil, err
	}
	if senderID == "" {
		senderID = sess.principal.UserID
	}

	msg, err := sess.engine.Send(ctx, senderID, text, conversationID, ts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
		sess.logger.Error("failed to queue message", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, err
	}
	return &msg, nil
}

// MarkRead marks the conversation read once per session, as long as a
// counterpart message is unread. The debounce is released in two cases: a
// failed backing store call, so the caller may retry, and a new unread
// counterpart message merged into the conversation, so it can be marked read
// as well. Otherwise repeated calls are no-ops for the rest of the session.
func (m *SessionManager) MarkRead(ctx context.Context, conversationID string) error {
	ctx, span := m.tracer.Start(ctx, "session.mark_read",
		trace.WithAttributes(attribute.String("chat.conversation_id", conversationID)))
	defer span.End()

	if err := validConversationID(conversationID); err != nil {
		return err
	}
	sess, err := m.active()
	if err != nil {
		return err
	}

	me := sess.principal.UserID
	if sess.caches.readIssued(conversationID) || !sess.chats.HasUnread(conversationID, me) {
		return nil
	}
	if !sess.caches.claimRead(conversationID) {
		return nil
	}

	if err := sess.engine.MarkRead(ctx, conversationID); err != nil {
		sess.caches.releaseRead(conversationID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark read")
		sess.logger.Warn("mark read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	return nil
}

// MarkDelivered marks counterpart messages in the conversation delivered.
// Safe to repeat; it does nothing when every message is already delivered.
func (m *SessionManager) MarkDelivered(ctx context.Context, conversationID string) error {
	ctx, span := m.tracer.Start(ctx, "session.mark_delivered",
		trace.WithAttributes(attribute.String("chat.conversation_id", conversationID)))
	defer span.End()

	if err := validConversationID(conversationID); err != nil {
		return err
	}
	sess, err := m.active()
	if err != nil {
		return err
	}
	if !sess.chats.HasUndelivered(conversationID, sess.principal.UserID) {
		return nil
	}

	if err := sess.engine.MarkDelivered(ctx, conversationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark delivered")
		sess.logger.Warn("mark delivered failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	return nil
}

// UnreadCount counts delivered, unread messages from counterparts.
func (m *SessionManager) UnreadCount(conversationID string) (int, error) {
	sess, err := m.active()
	if err != nil {
		return 0, err
	}
	return sess.chats.UnreadCount(conversationID, sess.principal.UserID), nil
}

// Conversation returns the messages of conversationID in timestamp order.
func (m *SessionManager) Conversation(conversationID string) ([]model.Message, error) {
	sess, err := m.active()
	if err != nil {
		return nil, err
	}
	return sess.chats.Conversation(conversationID), nil
}

// Messages returns every message of the session in arrival order.
func (m *SessionManager) Messages() ([]model.Message, error) {
	sess, err := m.active()
	if err != nil {
		return nil, err
	}
	return sess.chats.Messages(), nil
}

// Conversations returns one summary per conversation, most recent first.
func (m *SessionManager) Conversations() ([]model.ConversationSummary, error) {
	sess, err := m.active()
	if err != nil {
		return nil, err
	}
	return sess.chats.Conversations(sess.principal.UserID), nil
}

// Online returns the users the channel reports online.
func (m *SessionManager) Online() ([]string, error) {
	sess, err := m.active()
	if err != nil {
		return nil, err
	}
	return sess.presence.List(), nil
}

// Subscribe returns the change feed of the active session's chat store.
func (m *SessionManager) Subscribe(buffer int) (<-chan chatstore.Event, func(), error) {
	sess, err := m.active()
	if err != nil {
		return nil, nil, err
	}
	feed, cancel := sess.chats.Subscribe(buffer)
	return feed, cancel, nil
}

// Poll runs one poll cycle immediately.
func (m *SessionManager) Poll(ctx context.Context) error {
	sess, err := m.active()
	if err != nil {
		return err
	}
	return sess.engine.Poll(ctx)
}
