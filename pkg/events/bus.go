// Package events carries lifecycle notifications (build stages, service transitions,
// state snapshots) from the orchestrators to observers such as the watch dashboard.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sink receives lifecycle events. Publishing never fails the caller.
type Sink interface {
	Publish(typ string, payload any)
}

type nopSink struct{}

func (nopSink) Publish(string, any) {}

// Nop discards every event.
var Nop Sink = nopSink{}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

type Bus struct {
	Router     *message.Router
	Publisher  message.Publisher
	Subscriber message.Subscriber

	runOnce sync.Once
}

func NewInMemoryBus() (*Bus, error) {
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1024}, logger)

	r, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	return &Bus{
		Router:     r,
		Publisher:  pubsub,
		Subscriber: pubsub,
	}, nil
}

func (b *Bus) Publish(typ string, payload any) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		log.Warn().Err(err).Str("type", typ).Msg("drop event")
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		log.Warn().Err(err).Str("type", typ).Msg("drop event")
		return
	}
	if err := b.Publisher.Publish(TopicEvents, message.NewMessage(watermill.NewUUID(), raw)); err != nil {
		log.Warn().Err(err).Str("type", typ).Msg("publish event")
	}
}

// Subscribe registers a handler for every envelope on the event topic. Handlers run once
// the bus is started with Run.
func (b *Bus) Subscribe(name string, handler func(Envelope) error) {
	b.Router.AddConsumerHandler(name, TopicEvents, b.Subscriber, func(msg *message.Message) error {
		defer msg.Ack()
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return errors.Wrap(err, "unmarshal envelope")
		}
		return handler(env)
	})
}

// AddHandler consumes raw messages of any topic on the bus.
func (b *Bus) AddHandler(name, topic string, handler func(*message.Message) error) {
	b.Router.AddConsumerHandler(name, topic, b.Subscriber, handler)
}

func (b *Bus) Running() chan struct{} {
	return b.Router.Running()
}

func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.Router.Close()
		}()
		runErr = b.Router.Run(ctx)
	})
	return runErr
}
