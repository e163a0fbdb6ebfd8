package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// LocalBus is an in-process notification bus, grounded on the
// teacher's realtime instance manager: a watermill gochannel pubsub
// with no persistence, suitable for the embedded (single-process)
// deployment mode and for tests.
type LocalBus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

// NewLocalBus builds a LocalBus. Messages are fire-and-forget: a
// subscriber that hasn't called Subscribe yet before a Publish will
// simply not see that message, matching pub/sub (not queue) semantics.
func NewLocalBus() *LocalBus {
	logger := watermill.NewStdLogger(false, false)
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, logger)
	return &LocalBus{pubsub: pubsub, logger: logger}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, msg Message) error {
	payload, err := msg.encode()
	if err != nil {
		return err
	}
	wm := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, wm); err != nil {
		return fmt.Errorf("notify: local publish %s: %w", topic, err)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	raw, err := b.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("notify: local subscribe %s: %w", topic, err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for wm := range raw {
			msg, err := decode(wm.Payload)
			wm.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- msg:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

func (b *LocalBus) Close() error {
	return b.pubsub.Close()
}

var _ Bus = (*LocalBus)(nil)
