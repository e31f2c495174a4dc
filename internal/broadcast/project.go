// ABOUTME: project_structure_updated notifications and their optional Redis relay
// ABOUTME: The relay lets other processes publish updates that reach every local socket

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-runs/internal/protocol"
)

// ProjectUpdate describes a change to a project's file structure.
type ProjectUpdate struct {
	ProjectID string    `json:"project_id"`
	Change    string    `json:"change,omitempty"`
	Path      string    `json:"path,omitempty"`
	OldPath   string    `json:"old_path,omitempty"`
	At        time.Time `json:"at"`
}

// Event converts the update into a connection-scoped socket event.
func (u ProjectUpdate) Event() protocol.Event {
	ev := protocol.NewEvent(protocol.EventProjectStructureUpdated).
		With("project_id", u.ProjectID).
		With("at", u.At)
	if u.Change != "" {
		ev = ev.With("change", u.Change)
	}
	if u.Path != "" {
		ev = ev.With("path", u.Path)
	}
	if u.OldPath != "" {
		ev = ev.With("old_path", u.OldPath)
	}
	return ev
}

// DecodeProjectUpdate parses a relayed update.
func DecodeProjectUpdate(payload []byte) (ProjectUpdate, error) {
	var u ProjectUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return ProjectUpdate{}, fmt.Errorf("decoding project update: %w", err)
	}
	if u.ProjectID == "" {
		return ProjectUpdate{}, errors.New("project update without project_id")
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	return u, nil
}

// Notifier announces project updates. Without a relay it publishes straight
// to the local hub; with one it goes through Redis so every gateway process,
// this one included, delivers it.
type Notifier struct {
	hub    *Hub
	relay  *RedisRelay
	logger *slog.Logger
}

// NewNotifier creates a notifier. relay may be nil.
func NewNotifier(hub *Hub, relay *RedisRelay, logger *slog.Logger) *Notifier {
	return &Notifier{hub: hub, relay: relay, logger: logger.With("component", "project_notifier")}
}

// ProjectStructureUpdated announces u.
func (n *Notifier) ProjectStructureUpdated(ctx context.Context, u ProjectUpdate) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if n.relay != nil {
		err := n.relay.Publish(ctx, u)
		if err == nil {
			return
		}
		n.logger.Warn("relay publish failed, delivering locally", "project_id", u.ProjectID, "error", err)
	}
	n.hub.Publish(u.Event())
}

// RedisRelay bridges a Redis pub/sub channel into a Hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRedisRelay creates a relay for channel.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger.With("component", "redis_relay", "channel", channel),
	}
}

// Publish sends u to the Redis channel.
func (r *RedisRelay) Publish(ctx context.Context, u ProjectUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding project update: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel, err)
	}
	return nil
}

// Run subscribes to the channel and forwards updates to the hub until ctx
// is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Receive blocks until the subscription is confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			u, err := DecodeProjectUpdate([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("ignoring malformed relay message", "error", err)
				continue
			}
			r.hub.Publish(u.Event())
		}
	}
}

// Ping checks the Redis connection.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
