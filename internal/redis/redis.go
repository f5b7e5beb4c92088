// Package redis relays broadcast events between gateway instances over Redis
// pub/sub, so every tab of a user receives the conversation no matter which
// instance holds its socket.
//
// Graceful fallback: if Redis is not configured or unreachable, Connect
// returns an error and the gateway keeps delivering locally only.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nbuy/shopchat/internal/bus"
)

// DefaultPrefix namespaces relay channels.
const DefaultPrefix = "shopchat:"

// ErrNotConfigured is returned by Connect when no URL is set.
var ErrNotConfigured = errors.New("redis: url not configured")

// Config holds Redis connection settings.
type Config struct {
	URL           string // redis://host:port
	Password      string
	DB            int
	ChannelPrefix string
}

// envelope is the wire format on the channel.
type envelope struct {
	Group string    `json:"group"`
	Event bus.Event `json:"event"`
}

// Relay implements bus.Relay on go-redis pub/sub.
type Relay struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool
}

var _ bus.Relay = (*Relay)(nil)

// Connect dials Redis and pings it.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("redis")
	if cfg.URL == "" {
		logger.Info("url not configured, relay disabled")
		return nil, ErrNotConfigured
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: connection failed: %w", err)
	}

	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger.Info("connected", zap.String("addr", opts.Addr), zap.String("prefix", prefix))
	return &Relay{client: c, prefix: prefix, logger: logger, connected: true}, nil
}

// Channel returns the pub/sub channel for a group.
func Channel(prefix, group string) string {
	return prefix + "group:" + group
}

// GroupFromChannel is the inverse of Channel.
func GroupFromChannel(prefix, channel string) (string, bool) {
	return strings.CutPrefix(channel, prefix+"group:")
}

// Publish sends ev to every instance subscribed to the group's channel.
func (r *Relay) Publish(ctx context.Context, group string, ev bus.Event) error {
	if !r.Available() {
		return fmt.Errorf("redis: relay unavailable")
	}
	data, err := json.Marshal(envelope{Group: group, Event: ev})
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(r.prefix, group), data).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Run subscribes to every group channel and hands incoming events to
// deliver until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, deliver func(group string, ev bus.Event)) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"group:*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		r.setConnected(false)
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	r.logger.Info("relay subscribed", zap.String("pattern", r.prefix+"group:*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				r.setConnected(false)
				return fmt.Errorf("redis: subscription closed")
			}
			group, env, err := Decode(r.prefix, msg.Channel, msg.Payload)
			if err != nil {
				r.logger.Warn("dropping relayed message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			deliver(group, env)
		}
	}
}

// Decode parses a relayed message.
func Decode(prefix, channel, payload string) (string, bus.Event, error) {
	group, ok := GroupFromChannel(prefix, channel)
	if !ok {
		return "", bus.Event{}, fmt.Errorf("unexpected channel %q", channel)
	}
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", bus.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Group != "" && env.Group != group {
		return "", bus.Event{}, fmt.Errorf("group mismatch: channel %q, envelope %q", group, env.Group)
	}
	return group, env.Event, nil
}

// Available reports whether the relay is usable.
func (r *Relay) Available() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *Relay) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

// Close closes the Redis connection.
func (r *Relay) Close() error {
	if r == nil {
		return nil
	}
	r.setConnected(false)
	r.logger.Info("connection closed")
	return r.client.Close()
}
