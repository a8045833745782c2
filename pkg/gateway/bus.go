package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces the per-case fanout channels.
const channelPrefix = "ws:case:"

// Event is one realtime frame, on the wire to clients and across the bus
// between instances.
type Event struct {
	Type    string          `json:"type"`
	CaseID  string          `json:"caseId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// busFrame wraps an event for cross-instance transport. Instance carries the
// publisher's id so the origin skips its own frames; it already fanned out
// locally before publishing. OnlyUserID and SkipUserID narrow the audience
// on the receiving side.
type busFrame struct {
	Instance   string `json:"instance"`
	OnlyUserID string `json:"onlyUserId,omitempty"`
	SkipUserID string `json:"skipUserId,omitempty"`
	Event      Event  `json:"event"`
}

// Bus fans events out across service instances through Redis pub/sub. A nil
// client yields a local-only bus for lite mode and tests.
type Bus struct {
	client     *redis.Client
	instanceID string
	deliver    func(ev Event, onlyUserID, skipUserID string)

	mu     sync.Mutex
	sub    *redis.PubSub
	cancel context.CancelFunc
}

func NewBus(client *redis.Client, instanceID string, deliver func(ev Event, onlyUserID, skipUserID string)) *Bus {
	return &Bus{client: client, instanceID: instanceID, deliver: deliver}
}

// Publish sends the event to every other instance. Local sockets are the
// caller's responsibility.
func (b *Bus) Publish(ctx context.Context, ev Event, onlyUserID, skipUserID string) error {
	if b.client == nil {
		return nil
	}
	raw, err := json.Marshal(busFrame{
		Instance:   b.instanceID,
		OnlyUserID: onlyUserID,
		SkipUserID: skipUserID,
		Event:      ev,
	})
	if err != nil {
		return fmt.Errorf("gateway: marshal bus frame: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+ev.CaseID, raw).Err(); err != nil {
		return fmt.Errorf("gateway: publish: %w", err)
	}
	return nil
}

// Start opens the bus subscription and delivers foreign frames until Stop or
// context cancellation. The subscription begins with no channels; cases join
// and leave through SubscribeCase and UnsubscribeCase as local sockets come
// and go, so an instance only receives traffic for cases it is serving.
func (b *Bus) Start(ctx context.Context) {
	if b.client == nil {
		slog.Info("gateway bus running local-only (no redis)")
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	sub := b.client.Subscribe(ctx)
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var frame busFrame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					slog.Warn("gateway bus frame malformed", "error", err)
					continue
				}
				if frame.Instance == b.instanceID {
					continue
				}
				b.deliver(frame.Event, frame.OnlyUserID, frame.SkipUserID)
			}
		}
	}()
	slog.Info("gateway bus ready", "instance", b.instanceID)
}

// SubscribeCase joins the case's fanout channel.
func (b *Bus) SubscribeCase(ctx context.Context, caseID string) error {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Subscribe(ctx, channelPrefix+caseID); err != nil {
		return fmt.Errorf("gateway: subscribe case: %w", err)
	}
	return nil
}

// UnsubscribeCase leaves the case's fanout channel once no local socket
// needs it.
func (b *Bus) UnsubscribeCase(ctx context.Context, caseID string) error {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(ctx, channelPrefix+caseID); err != nil {
		return fmt.Errorf("gateway: unsubscribe case: %w", err)
	}
	return nil
}

// Stop tears down the subscription.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}
