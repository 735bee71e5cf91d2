// Package leader adapts the agent's view of the current cluster master
// endpoint to a Redis pub/sub channel, invoking a callback whenever the
// leader detector (an external collaborator) announces a change.
package leader

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration for leader detection.
type Config struct {
	Host       string
	Port       int
	Password   string
	DB         int
	TLSEnabled bool
	Channel    string
}

// OnMasterChanged is invoked with the new master endpoint every time one
// is announced on the configured channel.
type OnMasterChanged func(endpoint string)

// RedisDetector subscribes to a Redis pub/sub channel carrying the
// current master endpoint and forwards every message to a callback.
type RedisDetector struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// NewRedisDetector connects to Redis and verifies the connection.
func NewRedisDetector(ctx context.Context, config Config, logger *slog.Logger) (*RedisDetector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("leader: ping redis: %w", err)
	}

	return &RedisDetector{client: client, channel: config.Channel, logger: logger}, nil
}

// Run subscribes to the configured channel and invokes onChanged for
// every message received, until ctx is cancelled or Stop is called. Run
// blocks; callers should invoke it in its own goroutine.
func (d *RedisDetector) Run(ctx context.Context, onChanged OnMasterChanged) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	sub := d.client.Subscribe(runCtx, d.channel)
	defer sub.Close()

	if _, err := sub.Receive(runCtx); err != nil {
		return fmt.Errorf("leader: subscribe to %s: %w", d.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			d.logger.Info("master change announced",
				slog.String("channel", d.channel), slog.String("endpoint", msg.Payload))
			onChanged(msg.Payload)
		}
	}
}

// Stop cancels a running Run call.
func (d *RedisDetector) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Close closes the underlying Redis client.
func (d *RedisDetector) Close() error {
	return d.client.Close()
}
