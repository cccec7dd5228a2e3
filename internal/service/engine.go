package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/internal/backend"
	"github.com/foodbridge/donation-chat/internal/channel"
	"github.com/foodbridge/donation-chat/internal/chatstore"
	"github.com/foodbridge/donation-chat/internal/e2ee"
	"github.com/foodbridge/donation-chat/internal/model"
	"github.com/foodbridge/donation-chat/pkg/logger"
	"github.com/foodbridge/donation-chat/pkg/metrics"
)

const queueSize = 256

// EngineConfig tunes the sync engine.
type EngineConfig struct {
	// MaxSendAttempts bounds how often a failed append is tried in total.
	MaxSendAttempts int
}

// outboxEntry is a local send that has not been committed yet.
type outboxEntry struct {
	tempID         string
	conversationID string
	senderID       string
	plaintext      string
	ciphertext     string
	nonce          string
	timestamp      time.Time
	attempts       int
	inFlight       bool
	lastErr        error
}

// Engine merges pushed, polled and locally sent messages into one chat store.
// All state changes run as closures on a single queue goroutine; backend and
// channel I/O runs elsewhere and posts its results back into the queue.
type Engine struct {
	principal model.Principal
	store     backend.Store
	chats     *chatstore.Store
	caches    *sessionCaches
	channel   channel.Client
	cfg       EngineConfig
	logger    *logger.Logger

	queue  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	polled atomic.Bool

	// outbox is only touched on the queue goroutine.
	outbox map[string]*outboxEntry
}

func newEngine(p model.Principal, store backend.Store, chats *chatstore.Store, caches *sessionCaches, ch channel.Client, cfg EngineConfig, log *logger.Logger) *Engine {
	if cfg.MaxSendAttempts < 1 {
		cfg.MaxSendAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		principal: p,
		store:     store,
		chats:     chats,
		caches:    caches,
		channel:   ch,
		cfg:       cfg,
		logger:    log.Named("engine"),
		queue:     make(chan func(), queueSize),
		ctx:       ctx,
		cancel:    cancel,
		outbox:    make(map[string]*outboxEntry),
	}
}

func (e *Engine) start() {
	e.wg.Add(1)
	go e.loop()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case fn := <-e.queue:
			fn()
		}
	}
}

// stop cancels in-flight I/O and waits for every engine goroutine.
func (e *Engine) stop() {
	if e.closed.Swap(true) {
		return
	}
	e.cancel()
	e.wg.Wait()
}

// do enqueues fn without waiting for it.
func (e *Engine) do(fn func()) error {
	if e.closed.Load() {
		return model.ErrSessionClosed
	}
	select {
	case e.queue <- fn:
		return nil
	case <-e.ctx.Done():
		return model.ErrSessionClosed
	}
}

// doWait enqueues fn and waits until it has run.
func (e *Engine) doWait(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := e.do(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return model.ErrSessionClosed
	}
}

// background runs fn on a tracked goroutine. Only call it from the queue.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// HandlePush routes one channel event into the queue.
func (e *Engine) HandlePush(event string, payload []byte) error {
	switch event {
	case channel.EventNewMessage:
		var env model.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("decode %s: %v: %w", event, err, model.ErrInvalidArgument)
		}
		in := env.Inbound()
		return e.do(func() {
			// The channel fans out to every session; the poll path decides
			// which conversations this user belongs to.
			if !e.chats.HasConversation(in.ConversationID) {
				e.logger.Debug("dropping push for unknown conversation", zap.String("conversation_id", in.ConversationID))
				return
			}
			e.merge(in, metrics.SourcePush)
		})

	case channel.EventMessageRead:
		var receipt model.ReadReceipt
		if err := json.Unmarshal(payload, &receipt); err != nil {
			return fmt.Errorf("decode %s: %v: %w", event, err, model.ErrInvalidArgument)
		}
		return e.do(func() {
			e.chats.MarkRead(receipt.ConversationID, receipt.SenderID)
		})

	case channel.EventMessageDelivered:
		var receipt model.DeliveryReceipt
		if err := json.Unmarshal(payload, &receipt); err != nil {
			return fmt.Errorf("decode %s: %v: %w", event, err, model.ErrInvalidArgument)
		}
		return e.do(func() {
			if receipt.UserID == "" {
				e.chats.MarkDeliveredFrom(receipt.ConversationID, e.principal.UserID)
				return
			}
			e.chats.MarkDelivered(receipt.ConversationID, receipt.UserID)
		})
	}
	return nil
}

// Poll fetches every message of the user from the backing store and merges
// the result. No cursor is sent: message timestamps are set by the sender, so
// a row committed late with an old timestamp would fall behind any cursor
// built from them.
func (e *Engine) Poll(ctx context.Context) error {
	if e.closed.Load() {
		return model.ErrSessionClosed
	}

	start := time.Now()
	records, err := e.store.FetchConversations(ctx, e.principal, time.Time{})
	if err != nil {
		metrics.RecordPoll("error", time.Since(start).Seconds())
		return fmt.Errorf("failed to fetch conversations: %w", err)
	}

	err = e.doWait(ctx, func() {
		e.polled.Store(true)
		for i := range records {
			e.merge(records[i].Inbound(), metrics.SourcePoll)
		}
		e.retryFailed()
	})
	if err != nil {
		return err
	}

	metrics.RecordPoll("ok", time.Since(start).Seconds())
	e.logger.Debug("poll merged",
		zap.Int("records", len(records)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// merge inserts one inbound message unless its id is already present. A local
// record for the same send is replaced by the committed form instead.
func (e *Engine) merge(in model.Inbound, source string) {
	if in.ID == "" || in.ConversationID == "" {
		return
	}
	if e.chats.Has(in.ID) {
		metrics.RecordMerge(source, false)
		return
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}

	pending, hasPending := e.chats.FindPending(in.ConversationID, in.SenderID, in.Timestamp)

	nonce := in.Nonce
	if nonce == "" {
		if cached, ok := e.caches.nonces.Get(in.ID); ok {
			nonce = cached
		} else if hasPending {
			nonce = pending.Nonce
		}
	}

	msg := e.open(in, nonce)
	if nonce != "" {
		e.caches.nonces.Put(in.ID, nonce)
	}

	if hasPending {
		e.chats.Reconcile(pending.ID, msg)
		delete(e.outbox, pending.ID)
		metrics.PendingReconciled.WithLabelValues(source).Inc()
		return
	}

	e.chats.Insert(msg)
	metrics.RecordMerge(source, true)

	if msg.SenderID != e.principal.UserID && !msg.Read {
		e.caches.releaseRead(msg.ConversationID)
	}
}

// open decrypts an inbound message, falling back to the placeholder text.
func (e *Engine) open(in model.Inbound, nonce string) model.Message {
	msg := model.Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Ciphertext:     in.Ciphertext,
		Nonce:          nonce,
		Timestamp:      in.Timestamp,
		Delivered:      in.Delivered,
		Read:           in.Read,
		Status:         model.StatusCommitted,
	}
	if in.Ciphertext == "" {
		return msg
	}

	fail := func(reason string, err error) model.Message {
		metrics.DecryptFailures.WithLabelValues(reason).Inc()
		e.logger.Warn("message could not be decrypted",
			zap.String("message_id", in.ID),
			zap.String("conversation_id", in.ConversationID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		msg.Plaintext = model.DecryptionErrorText
		msg.DecryptFailed = true
		return msg
	}

	if nonce == "" {
		return fail("missing_nonce", nil)
	}
	key, err := e.caches.keys.Key(in.ConversationID)
	if err != nil {
		return fail("key", err)
	}
	text, err := e2ee.DecryptString(key, in.Ciphertext, nonce)
	if err != nil {
		return fail("decrypt", err)
	}
	msg.Plaintext = text
	return msg
}

// Send encrypts text, shows it as a pending record and appends it to the
// backing store in the background. It returns the pending record.
func (e *Engine) Send(ctx context.Context, senderID, text, conversationID string, ts time.Time) (model.Message, error) {
	if e.closed.Load() {
		return model.Message{}, model.ErrSessionClosed
	}
	key, err := e.caches.keys.Key(conversationID)
	if err != nil {
		return model.Message{}, err
	}
	ciphertext, nonce, err := e2ee.EncryptString(key, text)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("encrypt_error").Inc()
		return model.Message{}, fmt.Errorf("failed to encrypt message: %w", err)
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC().Truncate(time.Millisecond)

	entry := &outboxEntry{
		tempID:         model.TempIDPrefix + uuid.NewString(),
		conversationID: conversationID,
		senderID:       senderID,
		plaintext:      text,
		ciphertext:     ciphertext,
		nonce:          nonce,
		timestamp:      ts,
	}
	pending := model.Message{
		ID:             entry.tempID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Plaintext:      text,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		Timestamp:      ts,
		Status:         model.StatusPending,
	}

	err = e.doWait(ctx, func() {
		e.chats.Insert(pending)
		e.caches.nonces.Put(entry.tempID, nonce)
		e.outbox[entry.tempID] = entry
		e.dispatch(entry)
	})
	if err != nil {
		return model.Message{}, err
	}
	return pending, nil
}

// dispatch starts one append attempt. Runs on the queue.
func (e *Engine) dispatch(entry *outboxEntry) {
	entry.attempts++
	entry.inFlight = true
	e.background(func(ctx context.Context) {
		rec, err := e.store.AppendMessage(ctx, entry.conversationID, entry.senderID, entry.ciphertext, entry.nonce, entry.timestamp)
		if qerr := e.do(func() { e.sendResult(entry, rec, err) }); qerr != nil {
			e.logger.Debug("send result dropped", zap.String("temp_id", entry.tempID), zap.Error(qerr))
		}
	})
}

// sendResult applies the outcome of an append attempt. Runs on the queue.
func (e *Engine) sendResult(entry *outboxEntry, rec *model.Record, err error) {
	entry.inFlight = false

	if err != nil {
		entry.lastErr = err
		metrics.SendsTotal.WithLabelValues("failed").Inc()
		visible := e.chats.Update(entry.tempID, func(m *model.Message) {
			m.Status = model.StatusFailed
			m.SendError = err.Error()
		})
		if !visible {
			// Already reconciled through push or poll.
			delete(e.outbox, entry.tempID)
			return
		}
		fields := []zap.Field{
			zap.String("temp_id", entry.tempID),
			zap.String("conversation_id", entry.conversationID),
			zap.Int("attempt", entry.attempts),
			zap.Error(err),
		}
		if entry.attempts >= e.cfg.MaxSendAttempts {
			delete(e.outbox, entry.tempID)
			e.logger.Error("message send abandoned", fields...)
			return
		}
		e.logger.Warn("message send failed, will retry", fields...)
		return
	}

	metrics.SendsTotal.WithLabelValues("ok").Inc()
	delete(e.outbox, entry.tempID)

	in := rec.Inbound()
	committed := model.Message{
		ID:             in.ID,
		ConversationID: entry.conversationID,
		SenderID:       entry.senderID,
		Plaintext:      entry.plaintext,
		Ciphertext:     entry.ciphertext,
		Nonce:          entry.nonce,
		Timestamp:      entry.timestamp,
		Delivered:      in.Delivered,
		Read:           in.Read,
		Status:         model.StatusCommitted,
	}
	if !in.Timestamp.IsZero() {
		committed.Timestamp = in.Timestamp
	}
	e.caches.nonces.Put(committed.ID, entry.nonce)

	if e.chats.Reconcile(entry.tempID, committed) {
		metrics.PendingReconciled.WithLabelValues(metrics.SourceSend).Inc()
	}

	envelope := committed.Envelope()
	e.background(func(ctx context.Context) {
		e.emit(ctx, channel.EventNewMessage, envelope)
	})
}

// retryFailed re-dispatches failed sends that have attempts left. Runs on the queue.
func (e *Engine) retryFailed() {
	for id, entry := range e.outbox {
		if entry.inFlight || entry.attempts >= e.cfg.MaxSendAttempts {
			continue
		}
		msg, ok := e.chats.Get(id)
		if !ok {
			delete(e.outbox, id)
			continue
		}
		if msg.Status != model.StatusFailed {
			continue
		}
		e.chats.Update(id, func(m *model.Message) {
			m.Status = model.StatusPending
			m.SendError = ""
		})
		e.logger.Info("retrying message send", zap.String("temp_id", id), zap.Int("attempt", entry.attempts+1))
		e.dispatch(entry)
	}
}

// MarkRead flags the conversation read locally, then in the backing store,
// then tells the other participants.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	me := e.principal.UserID
	if err := e.doWait(ctx, func() { e.chats.MarkRead(conversationID, me) }); err != nil {
		return err
	}
	if err := e.store.MarkConversationRead(ctx, conversationID, me); err != nil {
		metrics.ReceiptsTotal.WithLabelValues("read", "error").Inc()
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	metrics.ReceiptsTotal.WithLabelValues("read", "ok").Inc()
	e.emit(ctx, channel.EventMessageRead, model.ReadReceipt{ConversationID: conversationID, SenderID: me})
	return nil
}

// MarkDelivered flags the conversation delivered locally, then in the
// backing store, then tells the other participants.
func (e *Engine) MarkDelivered(ctx context.Context, conversationID string) error {
	me := e.principal.UserID
	if err := e.doWait(ctx, func() { e.chats.MarkDelivered(conversationID, me) }); err != nil {
		return err
	}
	if err := e.store.MarkConversationDelivered(ctx, conversationID, me); err != nil {
		metrics.ReceiptsTotal.WithLabelValues("delivered", "error").Inc()
		return fmt.Errorf("failed to mark conversation delivered: %w", err)
	}
	metrics.ReceiptsTotal.WithLabelValues("delivered", "ok").Inc()
	e.emit(ctx, channel.EventMessageDelivered, model.DeliveryReceipt{ConversationID: conversationID, UserID: me})
	return nil
}

func (e *Engine) emit(ctx context.Context, event string, payload any) {
	if e.channel == nil {
		return
	}
	if err := e.channel.Emit(ctx, event, payload); err != nil {
		level := e.logger.Warn
		if errors.Is(err, model.ErrChannelUnavailable) {
			level = e.logger.Debug
		}
		level("channel emit failed", zap.String("event", event), zap.Error(err))
	}
}

// outboxLen is used by tests through doWait.
func (e *Engine) outboxLen() int {
	return len(e.outbox)
}

func validConversationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("conversation id is empty: %w", model.ErrInvalidArgument)
	}
	return nil
}
