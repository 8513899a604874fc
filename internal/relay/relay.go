// Package relay fans turn events out to connected stream consumers.
//
// Delivery is best-effort: a slow or absent subscriber loses events, and
// that is fine because the finalized turn in the conversation log is the
// authoritative record of what the assistant said. The one exception is
// the end event: a subscriber that cannot take it is evicted, so no
// consumer is ever left waiting on a turn that already finished.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Kind labels what an event carries.
type Kind string

const (
	// KindStatus is a transient progress note, e.g. "Finding matches...".
	KindStatus Kind = "status"
	// KindToken is one incremental chunk of assistant text.
	KindToken Kind = "token"
	// KindEnd marks the turn as complete; no further events follow for
	// its interaction.
	KindEnd Kind = "end"
)

// Event is one unit of turn progress delivered to stream subscribers.
type Event struct {
	InteractionID uuid.UUID `json:"interactionId"`
	Kind          Kind      `json:"kind"`
	Payload       string    `json:"payload,omitempty"`
}

// Broadcaster provides in-memory pub/sub for turn events keyed by user.
// Multiple consumers may subscribe to the same user and each receives
// every published event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // userID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for the default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "relay"),
	}
}

// Subscribe registers a consumer for the user's events. It returns a
// receive channel and a subscription ID for explicit unsubscription. The
// subscription is cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, userID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[userID]; !ok {
		b.subscribers[userID] = make(map[string]chan Event)
	}
	b.subscribers[userID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "user_id", userID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(userID, subID)
	}()

	return ch, subID
}

// Publish sends an event to every subscriber of the user. Non-blocking:
// the event is dropped for subscribers whose channels are full. A
// subscriber too slow to take an end event is evicted so its channel
// closes and the consumer never waits on a turn that already finished.
//
// Sends happen under the read lock. Channels are only ever closed under
// the write lock, so a send can never race a close.
func (b *Broadcaster) Publish(userID string, event Event) {
	b.mu.RLock()
	var stalled []string
	for subID, ch := range b.subscribers[userID] {
		select {
		case ch <- event:
		default:
			if event.Kind == KindEnd {
				stalled = append(stalled, subID)
			}
			b.logger.Debug("dropped event for slow subscriber",
				"user_id", userID,
				"interaction_id", event.InteractionID)
		}
	}
	b.mu.RUnlock()

	for _, subID := range stalled {
		b.Unsubscribe(userID, subID)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(userID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[userID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, userID)
	}

	b.logger.Debug("subscriber removed", "user_id", userID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for userID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, userID)
	}

	b.logger.Debug("relay closed")
}
