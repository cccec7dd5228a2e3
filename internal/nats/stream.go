package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// EventLog keeps recent newMessage events in a JetStream stream so a channel
// that reconnects can replay what it missed. Events are published on core
// subjects; the stream captures them without changing the publish path.
type EventLog struct {
	client *Client
	name   string
	prefix string
	maxAge time.Duration
}

// NewEventLog creates an event log over the stream name capturing prefix subjects.
func NewEventLog(client *Client, name, prefix string, maxAge time.Duration) *EventLog {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &EventLog{client: client, name: name, prefix: prefix, maxAge: maxAge}
}

// EnsureStream creates the stream if it does not exist.
func (l *EventLog) EnsureStream(ctx context.Context) error {
	js := l.client.JetStream()

	_, err := js.Stream(ctx, l.name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        l.name,
		Subjects:    []string{EventSubject(l.prefix, eventNewMessage)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      l.maxAge,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Recent encrypted chat messages for channel replay",
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Since returns the raw event envelopes stored after the given time, oldest first.
func (l *EventLog) Since(ctx context.Context, since time.Time, limit int) ([][]byte, error) {
	js := l.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, l.name, jetstream.ConsumerConfig{
		FilterSubject:     EventSubject(l.prefix, eventNewMessage),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverByStartTimePolicy,
		OptStartTime:      &since,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events [][]byte
	for msg := range batch.Messages() {
		events = append(events, msg.Data())
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	return events, nil
}
