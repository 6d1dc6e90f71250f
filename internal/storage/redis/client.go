package redis

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
)

// ErrValueChanged is returned by CompareAndSwap when the stored value no
// longer matches the expected one.
var ErrValueChanged = fmt.Errorf("%w: cache value changed", models.ErrConflict)

// Client wraps the cache/broker connection. Keys hold byte values with
// per-key TTLs; Publish feeds the data-loader worker channel.
type Client struct {
	db     *goredis.Client
	logger arbor.ILogger
}

// Open connects to the cache and verifies the connection with a ping.
func Open(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*Client, error) {
	opts := &goredis.Options{
		Addr:     cfg.RedisAddr(),
		Username: cfg.Cache.User,
		Password: cfg.Cache.Password,
	}
	if cfg.Cache.CertFile != "" && cfg.Cache.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Cache.CertFile, cfg.Cache.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load cache TLS keypair: %w", err)
		}
		opts.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	client := &Client{db: goredis.NewClient(opts), logger: logger}
	if err := client.db.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: cache ping failed: %v", models.ErrBackendUnavailable, err)
	}

	logger.Info().Str("addr", cfg.RedisAddr()).Msg("Connected to cache")
	return client, nil
}

// Get looks up a key, mapping a missing key onto models.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.db.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: cache key %q", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cache get: %v", models.ErrBackendUnavailable, err)
	}
	return value, nil
}

// Set writes a key with a TTL. A zero TTL means no expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.db.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: cache set: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// SetNX writes a key only when it does not exist yet. Returns whether the
// write happened.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.db.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: cache setnx: %v", models.ErrBackendUnavailable, err)
	}
	return ok, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.db.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: cache delete: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// Publish sends a payload on the worker channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.db.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: cache publish: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// CompareAndSwap atomically replaces oldValue with newValue under key.
// The watch aborts when a concurrent writer touches the key first.
func (c *Client) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) error {
	txf := func(tx *goredis.Tx) error {
		value, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("%w: cache key %q", models.ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(value, oldValue) {
			return ErrValueChanged
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if newValue == nil {
				return pipe.Del(ctx, key).Err()
			}
			return pipe.Set(ctx, key, newValue, ttl).Err()
		})
		return err
	}

	err := c.db.Watch(ctx, txf, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return ErrValueChanged
	}
	return err
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: cache ping: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}
