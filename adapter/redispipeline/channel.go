// Package redispipeline is a reference dbconn.Pipeline backed by Redis
// Streams, grounded on trickstertwo-xbus/adapter/redisstream/transport.go.
// Each Endpoint's requests are XADDed to a per-endpoint request stream; a
// poller goroutine XREADGROUPs a matching per-endpoint response stream and
// resolves pending requests by a correlation id carried in each entry,
// matching requests to responses instead of ack/nack pub/sub semantics.
package redispipeline

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lucidgraph/dbconn"
)

// Channel wraps one physical *redis.Client, acquired and pinged during one
// connect attempt.
type Channel struct {
	client *redis.Client
}

// Close implements dbconn.Channel.
func (c *Channel) Close() error {
	return c.client.Close()
}

// Dialer is a dbconn.ChannelSupplier-producing factory: every Dial call
// opens a fresh client and pings it, so a down Redis fails the attempt the
// same way a down TCP peer would for a real socket-based Channel.
type Dialer struct {
	cfg Config
}

// NewDialer builds a Dialer from cfg.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg}
}

// Dial implements dbconn.ChannelSupplier.
func (d *Dialer) Dial(ctx context.Context) (dbconn.Channel, error) {
	opts := &redis.Options{
		Addr:         d.cfg.Addr,
		Username:     d.cfg.Username,
		Password:     d.cfg.Password,
		DB:           d.cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}
	if d.cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    d.cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redispipeline: ping failed: %w", err)
	}
	return &Channel{client: client}, nil
}
