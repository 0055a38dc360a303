// Package natsclient wraps the NATS connection and JetStream handles used by
// the sync engine. It owns reconnect policy, stream and consumer provisioning,
// and the KV store helpers every persistent component builds on.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lodgic/graphsync/errors"
)

// Config holds connection settings for the NATS server
type Config struct {
	URL            string        `json:"url"`
	Name           string        `json:"name"`
	MaxReconnects  int           `json:"maxReconnects"`
	ReconnectWait  time.Duration `json:"reconnectWait"`
	ConnectTimeout time.Duration `json:"connectTimeout"`
}

// DefaultConfig returns connection defaults suitable for a local server
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "graphsync",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// Client is a connected NATS client with a JetStream handle
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect establishes a connection and JetStream context
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSClient", "Connect", "connect to "+cfg.URL)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "NATSClient", "Connect", "create jetstream context")
	}

	logger.Info("connected to nats", "url", conn.ConnectedUrl())
	return &Client{conn: conn, js: js, logger: logger}, nil
}

// JetStream returns the JetStream handle
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Conn returns the underlying connection
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// IsConnected reports whether the connection is currently up
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains and closes the connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return errors.Wrap(err, "NATSClient", "Close", "drain connection")
	}
	return nil
}

// EnsureStream creates the stream if missing or updates it to the given config
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSClient", "EnsureStream", "provision stream "+cfg.Name)
	}
	return stream, nil
}

// EnsureConsumer creates or updates a durable consumer on the stream
func (c *Client) EnsureConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSClient", "EnsureConsumer",
			fmt.Sprintf("provision consumer %s on %s", cfg.Durable, stream))
	}
	return consumer, nil
}

// EnsureKeyValue creates the KV bucket if missing and returns a handle
func (c *Client) EnsureKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	bucket, err := c.js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSClient", "EnsureKeyValue", "provision bucket "+cfg.Bucket)
	}
	return bucket, nil
}

// Publish publishes a message to the given subject through JetStream
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "NATSClient", "Publish", "publish to "+subject)
	}
	return nil
}
