package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/internal/channel"
	"github.com/foodbridge/donation-chat/internal/model"
	"github.com/foodbridge/donation-chat/pkg/logger"
	"github.com/foodbridge/donation-chat/pkg/metrics"
)

const eventNewMessage = channel.EventNewMessage

const replayLimit = 500

// EventSubject returns the subject an event is published on.
func EventSubject(prefix, event string) string {
	return fmt.Sprintf("%s.events.%s", prefix, event)
}

// envelope wraps every published payload with the publishing connection.
type envelope struct {
	From     string          `json:"from"`
	Instance string          `json:"instance"`
	Payload  json.RawMessage `json:"payload"`
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	SubjectPrefix  string
	PresenceBucket string
	// ReplayWindow is how far back newMessage events are replayed on connect.
	// Zero disables replay.
	ReplayWindow time.Duration
}

var _ channel.Client = (*Channel)(nil)

// Channel implements channel.Client over NATS.
type Channel struct {
	client   *Client
	cfg      ChannelConfig
	events   *EventLog
	logger   *logger.Logger
	instance string
	handlers channel.Handlers

	mu       sync.Mutex
	userID   string
	sub      *nats.Subscription
	watcher  jetstream.KeyWatcher
	kv       jetstream.KeyValue
	stopWait context.CancelFunc
	online   map[string]struct{}
}

// NewChannel creates a channel over client. events may be nil to disable replay.
func NewChannel(client *Client, cfg ChannelConfig, events *EventLog, log *logger.Logger) *Channel {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "chat"
	}
	if cfg.PresenceBucket == "" {
		cfg.PresenceBucket = "CHAT_PRESENCE"
	}
	return &Channel{
		client:   client,
		cfg:      cfg,
		events:   events,
		logger:   log.Named("nats-channel"),
		instance: uuid.NewString(),
	}
}

// Connect subscribes to events, announces presence and starts watching it.
// Connecting as another user withdraws the previous user first.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("connect without user id: %w", model.ErrInvalidArgument)
	}
	if !c.client.IsConnected() {
		return fmt.Errorf("NATS connection down: %w", model.ErrChannelUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == userID {
		return nil
	}
	if c.userID != "" {
		if err := c.disconnectLocked(); err != nil {
			c.logger.Warn("failed to release previous user", zap.Error(err))
		}
	}

	sub, err := c.client.Conn().Subscribe(EventSubject(c.cfg.SubjectPrefix, "*"), c.receive)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %v: %w", err, model.ErrChannelUnavailable)
	}

	kv, err := c.presenceBucket(ctx)
	if err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to open presence bucket: %v: %w", err, model.ErrChannelUnavailable)
	}
	if _, err := kv.Put(ctx, presenceKey(userID), []byte(userID)); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to announce presence: %v: %w", err, model.ErrChannelUnavailable)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	watcher, err := kv.WatchAll(watchCtx)
	if err != nil {
		cancel()
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to watch presence: %v: %w", err, model.ErrChannelUnavailable)
	}

	c.userID = userID
	c.sub = sub
	c.kv = kv
	c.watcher = watcher
	c.stopWait = cancel
	c.online = make(map[string]struct{})
	go c.watchPresence(watchCtx, watcher)

	if err := c.emitLocked(ctx, channel.EventJoin, model.JoinRequest{UserID: userID}); err != nil {
		c.logger.Warn("failed to publish join", zap.Error(err))
	}
	if c.events != nil && c.cfg.ReplayWindow > 0 {
		go c.replay(time.Now().Add(-c.cfg.ReplayWindow))
	}

	metrics.SetChannelConnected(true)
	c.logger.Info("channel connected", zap.String("user_id", userID))
	return nil
}

func (c *Channel) presenceBucket(ctx context.Context) (jetstream.KeyValue, error) {
	js := c.client.JetStream()
	kv, err := js.KeyValue(ctx, c.cfg.PresenceBucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      c.cfg.PresenceBucket,
		Description: "Online chat users",
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
}

// Emit publishes event with payload.
func (c *Channel) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		return model.ErrChannelUnavailable
	}
	return c.emitLocked(ctx, event, payload)
}

func (c *Channel) emitLocked(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := channel.Encode(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{From: c.userID, Instance: c.instance, Payload: data})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := c.client.Conn().Publish(EventSubject(c.cfg.SubjectPrefix, event), msg); err != nil {
		return fmt.Errorf("failed to publish %s: %v: %w", event, err, model.ErrChannelUnavailable)
	}
	return nil
}

// On registers handler for event.
func (c *Channel) On(event string, handler channel.Handler) func() {
	return c.handlers.Add(event, handler)
}

// Disconnect withdraws presence and stops every subscription.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		return nil
	}
	return c.disconnectLocked()
}

func (c *Channel) disconnectLocked() error {
	var errs []error
	if c.stopWait != nil {
		c.stopWait()
	}
	if c.watcher != nil {
		if err := c.watcher.Stop(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("stop presence watch: %w", err))
		}
	}
	if c.kv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.kv.Delete(ctx, presenceKey(c.userID)); err != nil {
			errs = append(errs, fmt.Errorf("withdraw presence: %w", err))
		}
		cancel()
	}
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
	}

	c.logger.Info("channel disconnected", zap.String("user_id", c.userID))
	c.userID = ""
	c.sub = nil
	c.kv = nil
	c.watcher = nil
	c.stopWait = nil
	metrics.SetChannelConnected(false)
	return errors.Join(errs...)
}

// Connected reports whether the channel is joined and NATS is reachable.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID != "" && c.client.IsConnected()
}

func (c *Channel) receive(msg *nats.Msg) {
	event := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	c.deliver(event, msg.Data)
}

func (c *Channel) deliver(event string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("dropping malformed event", zap.String("event", event), zap.Error(err))
		return
	}
	if env.Instance == c.instance {
		return
	}
	c.handlers.Dispatch(event, env.Payload)
}

func (c *Channel) replay(since time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.events.Since(ctx, since, replayLimit)
	if err != nil {
		c.logger.Warn("event replay failed", zap.Error(err))
		return
	}
	for _, data := range events {
		c.deliver(eventNewMessage, data)
	}
	c.logger.Debug("event replay complete", zap.Int("events", len(events)))
}

func (c *Channel) watchPresence(ctx context.Context, watcher jetstream.KeyWatcher) {
	initial := true
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				initial = false
				c.dispatchSnapshot()
				continue
			}
			c.applyPresence(entry, initial)
		}
	}
}

func (c *Channel) applyPresence(entry jetstream.KeyValueEntry, initial bool) {
	userID, ok := decodePresenceKey(entry.Key())
	if !ok {
		return
	}

	c.mu.Lock()
	if c.online == nil {
		c.mu.Unlock()
		return
	}
	event := channel.EventUserConnected
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		c.online[userID] = struct{}{}
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(c.online, userID)
		event = channel.EventUserDisconnected
	}
	self := userID == c.userID
	c.mu.Unlock()

	if initial || self {
		return
	}
	payload, _ := channel.Encode(model.PresenceChange{UserID: userID})
	c.handlers.Dispatch(event, payload)
}

func (c *Channel) dispatchSnapshot() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.online))
	for id := range c.online {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	payload, _ := channel.Encode(model.PresenceSnapshot{OnlineUserIDs: ids})
	c.handlers.Dispatch(channel.EventPresenceSnapshot, payload)
}

func presenceKey(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func decodePresenceKey(key string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
