package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ruteri/module-identity-provisioning/api"
)

// TelemetryTopic carries device telemetry events from the hub ingress and
// external triggers to the handlers.
const TelemetryTopic = "device-telemetry"

const eventTypeMetadata = "event_type"

// HandlerFunc processes one event. A returned error makes the router retry
// the delivery.
type HandlerFunc func(ctx context.Context, event api.Event) error

// Bus is an in-process event bus built on a watermill GoChannel and router.
type Bus struct {
	pubSub *gochannel.GoChannel
	router *message.Router
	log    *slog.Logger
}

// NewBus creates the bus. Handlers must be added before Run.
func NewBus(log *slog.Logger, retries int) (*Bus, error) {
	logger := NewSlogAdapter(log.With("subsystem", "eventbus"))

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create event bus router: %w", err)
	}

	// Applied in order, the first one is the outermost.
	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      retries,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			Logger:          logger,
		}.Middleware,
	)

	return &Bus{pubSub: pubSub, router: router, log: log}, nil
}

// AddHandler subscribes fn to the telemetry topic.
func (b *Bus) AddHandler(name string, fn HandlerFunc) {
	b.router.AddNoPublisherHandler(name, TelemetryTopic, b.pubSub, func(msg *message.Message) error {
		var event api.Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			b.log.Warn("Discarding undecodable event", "err", err, slog.String("messageID", msg.UUID))
			return nil
		}
		return fn(msg.Context(), event)
	})
}

// PublishEvent publishes an event on the telemetry topic.
func (b *Bus) PublishEvent(event api.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(eventTypeMetadata, event.EventType)
	middleware.SetCorrelationID(event.ID, msg)

	if err := b.pubSub.Publish(TelemetryTopic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// RunAsync starts the router and returns once it is consuming.
func (b *Bus) RunAsync(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.router.Run(ctx)
	}()

	select {
	case <-b.router.Running():
		return nil
	case err := <-errCh:
		if err == nil {
			err = fmt.Errorf("event bus router stopped before running")
		}
		return err
	}
}

func (b *Bus) Close() error {
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.pubSub.Close()
}
