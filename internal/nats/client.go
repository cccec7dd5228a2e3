// Package nats carries the chat channel over NATS: core subjects for events,
// a JetStream key-value bucket for presence and a stream for replaying recent
// messages after a reconnect.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/pkg/logger"
	"github.com/foodbridge/donation-chat/pkg/metrics"
)

// Config holds NATS connection settings. TLS is enabled when CAFile is set;
// CertFile and KeyFile add a client certificate.
type Config struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// options translates cfg into connection options with handlers that keep the
// channel gauge in sync with the connection state.
func (cfg Config) options(log *logger.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("chatd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.SetChannelConnected(false)
			log.Warn("nats connection lost", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.SetChannelConnected(true)
			log.Info("nats connection restored", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("nats async error", fields...)
		}),
	}

	if cfg.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.CAFile))
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		opts = append(opts, nats.ClientCert(cfg.CertFile, cfg.KeyFile))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts
}

// Client owns the NATS connection and its JetStream handle.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials the server. The context deadline bounds the dial.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	log = log.Named("nats")
	opts := cfg.options(log)
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	metrics.SetChannelConnected(true)
	log.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
	return &Client{conn: nc, js: js}, nil
}

// JetStream returns the JetStream handle.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Conn returns the underlying connection.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	metrics.SetChannelConnected(false)
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
