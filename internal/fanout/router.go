package fanout

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/pkg/logger"
	"github.com/zymochat/platform/pkg/metrics"
)

// Sink observes every locally originated publish, after local delivery.
// Used to bridge events onto a cross-process bus or into a durable archive.
type Sink func(key ChannelKey, ev model.Event)

// Router maintains the three channel namespaces and delivers events to
// currently subscribed connections.
type Router struct {
	mu       sync.RWMutex
	channels map[ChannelKey]*channel
	// conn id → subscribed keys, for disconnect cleanup
	byConn map[string]map[ChannelKey]bool

	sinkMu sync.RWMutex
	sinks  []Sink

	log *logger.Logger
}

// channel is one subscriber set. Its mutex also serializes delivery so all
// subscribers observe one channel's events in publish order.
type channel struct {
	mu   sync.Mutex
	subs map[string]Conn
}

// NewRouter creates an empty router.
func NewRouter(log *logger.Logger) *Router {
	return &Router{
		channels: make(map[ChannelKey]*channel),
		byConn:   make(map[string]map[ChannelKey]bool),
		log:      log.WithComponent("fanout"),
	}
}

// AddSink registers a publish observer. Not safe to call concurrently with
// itself; intended for wiring at startup.
func (r *Router) AddSink(s Sink) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Subscribe adds the connection to the channel. Idempotent.
func (r *Router) Subscribe(key ChannelKey, conn Conn) {
	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		ch = &channel{subs: make(map[string]Conn)}
		r.channels[key] = ch
	}
	if r.byConn[conn.ID()] == nil {
		r.byConn[conn.ID()] = make(map[ChannelKey]bool)
	}
	r.byConn[conn.ID()][key] = true
	r.mu.Unlock()

	ch.mu.Lock()
	ch.subs[conn.ID()] = conn
	ch.mu.Unlock()
}

// Unsubscribe removes the connection from the channel. Idempotent.
func (r *Router) Unsubscribe(key ChannelKey, connID string) {
	r.mu.Lock()
	ch, ok := r.channels[key]
	if keys := r.byConn[connID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byConn, connID)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	ch.mu.Lock()
	delete(ch.subs, connID)
	empty := len(ch.subs) == 0
	ch.mu.Unlock()

	if empty {
		r.dropIfEmpty(key, ch)
	}
}

// UnsubscribeAll removes the connection from every channel it belongs to.
// Safe to call more than once for the same connection.
func (r *Router) UnsubscribeAll(connID string) {
	r.mu.Lock()
	keys := r.byConn[connID]
	delete(r.byConn, connID)
	chans := make(map[ChannelKey]*channel, len(keys))
	for key := range keys {
		if ch, ok := r.channels[key]; ok {
			chans[key] = ch
		}
	}
	r.mu.Unlock()

	for key, ch := range chans {
		ch.mu.Lock()
		delete(ch.subs, connID)
		empty := len(ch.subs) == 0
		ch.mu.Unlock()
		if empty {
			r.dropIfEmpty(key, ch)
		}
	}
}

// Publish delivers the event to every currently subscribed connection and
// then feeds the registered sinks. The caller must only publish after the
// corresponding state mutation has committed.
func (r *Router) Publish(key ChannelKey, ev model.Event) {
	r.publish(key, ev, "", true)
}

// PublishExcept is Publish minus one connection, used for typing relays
// where the originator must not hear its own event.
func (r *Router) PublishExcept(key ChannelKey, ev model.Event, exceptConnID string) {
	r.publish(key, ev, exceptConnID, true)
}

// PublishLocal delivers without feeding sinks. Used when replaying events
// that arrived from the broadcast bus, so they are not mirrored back out.
func (r *Router) PublishLocal(key ChannelKey, ev model.Event) {
	r.publish(key, ev, "", false)
}

func (r *Router) publish(key ChannelKey, ev model.Event, exceptConnID string, feedSinks bool) {
	ev.Channel = key.String()
	metrics.RecordPublish(string(key.Namespace), string(ev.Type))

	r.mu.RLock()
	ch, ok := r.channels[key]
	r.mu.RUnlock()

	if ok {
		ch.mu.Lock()
		for id, conn := range ch.subs {
			if id == exceptConnID {
				continue
			}
			err := conn.Send(ev)
			metrics.RecordDelivery(string(key.Namespace), err == nil)
			if err != nil {
				r.log.Debug("event delivery failed",
					zap.String("channel", ev.Channel),
					zap.String("type", string(ev.Type)),
					zap.String("conn_id", id),
					zap.Error(err),
				)
			}
		}
		ch.mu.Unlock()
	}

	if !feedSinks {
		return
	}
	r.sinkMu.RLock()
	sinks := r.sinks
	r.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink(key, ev)
	}
}

// Subscribers returns the current subscriber count for a channel.
func (r *Router) Subscribers(key ChannelKey) int {
	r.mu.RLock()
	ch, ok := r.channels[key]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// dropIfEmpty removes a channel whose subscriber set emptied. Rechecked
// under both locks since a subscriber may have raced back in.
func (r *Router) dropIfEmpty(key ChannelKey, ch *channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.subs) == 0 && r.channels[key] == ch {
		delete(r.channels, key)
	}
}
