// Package bus carries job and notice events from the stream handlers to
// whoever follows them (the job pruner, the watch command).
package bus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Bus struct {
	Router     *message.Router
	Publisher  message.Publisher
	Subscriber message.Subscriber

	runOnce sync.Once
}

// NewInMemoryBus logs through the global zerolog logger.
func NewInMemoryBus() (*Bus, error) {
	return NewInMemoryBusWithLogger(log.Logger)
}

func NewInMemoryBusWithLogger(l zerolog.Logger) (*Bus, error) {
	logger := newZerologAdapter(l)
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1024}, logger)

	r, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new event router")
	}
	return &Bus{
		Router:     r,
		Publisher:  pubsub,
		Subscriber: pubsub,
	}, nil
}

func (b *Bus) AddHandler(name, topic string, handler func(*message.Message) error) {
	b.Router.AddConsumerHandler(name, topic, b.Subscriber, handler)
}

// Running is closed once every handler is subscribed. Events published
// before that are lost.
func (b *Bus) Running() chan struct{} {
	return b.Router.Running()
}

// Run blocks until ctx ends. Only the first call runs the router.
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
