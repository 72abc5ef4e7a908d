package nats

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/zymochat/platform/internal/fanout"
	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/pkg/logger"
	"github.com/zymochat/platform/pkg/metrics"
)

// busSubjectPrefix is the subject space the bus mirrors fanout channels into.
const busSubjectPrefix = "fanout"

// envelope is the bus wire format. Origin lets a process drop its own
// echoes; Channel is the typed channel key in wire form.
type envelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Type    model.EventType `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// Bus bridges the local fanout router over NATS so several processes form
// one logical fanout domain. Locally published events are mirrored out;
// remote events are replayed into the local router only (never re-mirrored).
type Bus struct {
	client *Client
	router *fanout.Router
	origin string
	sub    *nats.Subscription
	log    *logger.Logger
}

// NewBus creates a bus bridge over an established NATS connection.
func NewBus(client *Client, router *fanout.Router, log *logger.Logger) *Bus {
	return &Bus{
		client: client,
		router: router,
		origin: uuid.New().String(),
		log:    log.WithComponent("bus"),
	}
}

// Start subscribes to remote fanout traffic and registers the outbound
// mirror as a router sink.
func (b *Bus) Start() error {
	sub, err := b.client.Conn().Subscribe(busSubjectPrefix+".>", b.onRemote)
	if err != nil {
		return fmt.Errorf("failed to subscribe to bus subjects: %w", err)
	}
	b.sub = sub
	b.router.AddSink(b.mirror)
	return nil
}

// Stop drains the bus subscription.
func (b *Bus) Stop() {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
}

// mirror publishes a locally originated event onto the bus.
func (b *Bus) mirror(key fanout.ChannelKey, ev model.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		b.log.Warn("failed to marshal event for bus", zap.Error(err))
		return
	}
	env := envelope{
		Origin:  b.origin,
		Channel: key.String(),
		Type:    ev.Type,
		Data:    data,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		b.log.Warn("failed to marshal bus envelope", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", busSubjectPrefix, key.Namespace, key.ID)
	if err := b.client.Conn().Publish(subject, payload); err != nil {
		b.log.Warn("bus publish failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}
	metrics.BusMessages.WithLabelValues("out").Inc()
}

// onRemote replays an event from another process into the local router.
func (b *Bus) onRemote(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Warn("dropping malformed bus message", zap.Error(err))
		return
	}
	if env.Origin == b.origin {
		return // our own echo
	}

	key, err := fanout.ParseKey(env.Channel)
	if err != nil {
		b.log.Warn("dropping bus message with bad channel",
			zap.String("channel", env.Channel),
			zap.Error(err),
		)
		return
	}

	metrics.BusMessages.WithLabelValues("in").Inc()
	b.router.PublishLocal(key, model.Event{
		Type: env.Type,
		Data: env.Data,
	})
}
