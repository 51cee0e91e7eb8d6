// Package events is the in-process observer bus that ties the funding
// services together. Listeners run synchronously in registration order; a
// listener that fails or panics is logged and skipped without affecting the
// others.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Event is a single notification published on a Bus.
type Event struct {
	Topic   string
	Source  string
	Payload any
	At      time.Time
}

// Listener handles an event. A returned error is contained by the bus.
type Listener func(ctx context.Context, evt Event) error

// Publisher is the narrow publishing contract services depend on.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Source is implemented by anything listeners can register with.
type Source interface {
	Subscribe(topic string, l Listener) (unsubscribe func())
}

type subscription struct {
	id       uint64
	topic    string
	listener Listener
}

// Bus fans events out to subscribed listeners.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers l for topic. TopicAll matches every topic. The returned
// func removes the registration and is safe to call more than once.
func (b *Bus) Subscribe(topic string, l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topic: topic, listener: l})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers evt to every matching listener registered at the time of
// the call. Listener errors and panics are combined into the returned error;
// delivery to the remaining listeners always continues.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	snapshot := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == TopicAll || s.topic == evt.Topic {
			snapshot = append(snapshot, s)
		}
	}
	b.mu.RUnlock()

	var errs error
	for _, s := range snapshot {
		if err := b.deliver(ctx, s, evt); err != nil {
			b.logger.Warn("event listener failed",
				zap.String("topic", evt.Topic),
				zap.String("source", evt.Source),
				zap.Uint64("subscription", s.id),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// ListenerCount reports how many listeners would receive topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.topic == TopicAll || s.topic == topic {
			n++
		}
	}
	return n
}

func (b *Bus) deliver(ctx context.Context, s subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic on %s: %v", evt.Topic, r)
		}
	}()
	return s.listener(ctx, evt)
}

// Forward returns a listener that republishes every event it receives on
// target unchanged.
func Forward(target Publisher) Listener {
	return func(ctx context.Context, evt Event) error {
		return target.Publish(ctx, evt)
	}
}
