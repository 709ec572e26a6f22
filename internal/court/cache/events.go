package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
)

// EventsChannel is the pub/sub channel session events travel on.
const EventsChannel = "court:events"

// Event is the cross-instance session notification. Origin carries the
// publishing instance ID so subscribers can skip their own events.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	CoupleID  string          `json:"couple_id"`
	Origin    string          `json:"origin"`
	Session   *domain.Session `json:"session,omitempty"`
	EmittedAt int64           `json:"emitted_at"`
}

// Bus publishes session events and relays events published elsewhere
// to a local handler.
type Bus struct {
	client  Commands
	origin  string
	now     func() time.Time
	handler func(Event)
	logger  *log.Logger
}

func NewBus(client Commands, origin string, handler func(Event), logger *log.Logger) *Bus {
	return &Bus{
		client:  client,
		origin:  origin,
		now:     time.Now,
		handler: handler,
		logger:  logger,
	}
}

// Publish broadcasts the event to every subscribed instance, this one
// included; Listen filters our own copy back out.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	event.Origin = b.origin
	event.EmittedAt = b.now().UnixMilli()
	data, err := json.Marshal(event)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "encode session event", err)
	}
	if err := b.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "publish session event", err)
	}
	return nil
}

// Listen consumes messages until the channel closes or the context is
// canceled. Callers pass pubsub.Channel() from a live subscription.
func (b *Bus) Listen(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.dispatch([]byte(msg.Payload))
		}
	}
}

func (b *Bus) dispatch(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Printf("drop malformed session event: %v", err)
		return
	}
	if event.Origin == b.origin {
		return
	}
	b.handler(event)
}
