package broker

import (
	"github.com/redis/go-redis/v9"

	"github.com/fssync/fssync/internal/subscriber"
)

// pubSubSource adapts a *redis.PubSub's native *redis.Message channel to the
// subscriber package's transport-agnostic Message shape.
type pubSubSource struct {
	ps   *redis.PubSub
	out  chan subscriber.Message
	done chan struct{}
}

// NewPubSubSource wraps ps so it satisfies subscriber.MessageSource. It
// spawns one goroutine that drains ps.Channel() until ps is closed, translating
// each *redis.Message into a subscriber.Message.
func NewPubSubSource(ps *redis.PubSub) subscriber.MessageSource {
	src := &pubSubSource{
		ps:   ps,
		out:  make(chan subscriber.Message),
		done: make(chan struct{}),
	}
	go src.pump()
	return src
}

func (s *pubSubSource) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- subscriber.Message{Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *pubSubSource) Messages() <-chan subscriber.Message { return s.out }

func (s *pubSubSource) Close() error {
	close(s.done)
	return s.ps.Close()
}
