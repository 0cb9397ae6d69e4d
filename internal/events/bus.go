package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// defaultBufferSize is the per-subscriber channel depth. Publish never
// blocks: once a subscriber's channel is full, the event is dropped and
// the subscriber's lag counter is incremented instead.
const defaultBufferSize = 64

// subscription is the bus-side handle for one subscriber. ch is the channel
// handed back from Subscribe; dropped counts events discarded because ch
// was full when Publish tried to deliver.
type subscription struct {
	topic   Topic
	ch      chan Event
	dropped atomic.Uint64
}

// Bus is a bounded, topic-filtered publish/subscribe hub. One Bus is shared
// by every WebSocket connection and every backend component that emits
// events. Safe for concurrent use.
type Bus struct {
	log *slog.Logger

	subs   sync.Map // id (uint64) -> *subscription
	nextID atomic.Uint64
	count  atomic.Int64

	// onCountChange, if set, is called after every Subscribe/Unsubscribe
	// with the new subscriber count — wired to a Prometheus gauge.
	onCountChange func(int)
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger attaches a logger used to report dropped (lagged) events.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithSubscriberCountFunc registers a callback invoked whenever the number
// of active subscribers changes.
func WithSubscriberCountFunc(f func(int)) Option {
	return func(b *Bus) { b.onCountChange = f }
}

// NewBus creates an empty event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{log: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a new subscriber filtered to topic (TopicAll receives
// everything) and returns its id, a receive-only channel of matching
// events, and a cancel function that must be called to release resources.
func (b *Bus) Subscribe(topic Topic) (id uint64, events <-chan Event, cancel func()) {
	id = b.nextID.Add(1)
	sub := &subscription{topic: topic, ch: make(chan Event, defaultBufferSize)}
	b.subs.Store(id, sub)
	b.bumpCount(1)

	return id, sub.ch, func() { b.Unsubscribe(id) }
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(id uint64) {
	v, ok := b.subs.LoadAndDelete(id)
	if !ok {
		return
	}
	close(v.(*subscription).ch)
	b.bumpCount(-1)
}

// Publish delivers e to every subscription whose topic matches. Delivery is
// non-blocking: a subscriber that can't keep up loses events rather than
// stalling the publisher.
func (b *Bus) Publish(e Event) {
	b.subs.Range(func(_, v any) bool {
		sub := v.(*subscription)
		if !e.Topic.Matches(sub.topic) {
			return true
		}
		select {
		case sub.ch <- e:
		default:
			n := sub.dropped.Add(1)
			b.log.Warn("events: subscriber lagging, dropping event",
				slog.String("topic", string(e.Topic)),
				slog.String("event_type", e.Type),
				slog.Uint64("total_dropped", n),
			)
		}
		return true
	})
}

// SubscriberCount returns the number of currently active subscriptions.
func (b *Bus) SubscriberCount() int {
	return int(b.count.Load())
}

func (b *Bus) bumpCount(delta int64) {
	n := b.count.Add(delta)
	if b.onCountChange != nil {
		b.onCountChange(int(n))
	}
}
