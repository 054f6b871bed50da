package redstage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

func (q *Queue) publish(ctx context.Context, ev Event) {
	publish(ctx, q.opt, q.ks, ev)
}

// publish is best effort: a lost event never fails the transition that
// produced it. Each event goes to the queue channel and the namespace channel
// so subscribers never need PSUBSCRIBE, which Redis Cluster lacks.
func publish(ctx context.Context, opt Options, ks keyspace, ev Event) {
	if opt.TriggerClient == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, ch := range []string{ks.queueEventChannel(ev.Queue), ks.eventChannel()} {
		if err := opt.TriggerClient.Publish(ctx, ch, b).Err(); err != nil {
			opt.Logger.Debug("event publish failed",
				slog.String("channel", ch),
				slog.String("event", string(ev.Type)),
				slog.Any("error", err),
			)
		}
	}
}

// Subscription delivers events to a handler until closed.
type Subscription struct {
	pubsub *redis.PubSub
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Close unsubscribes and waits for the handler goroutine to return.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}

// Subscribe delivers the events of jobs arriving in q. It requires a trigger
// client and returns once the subscription is confirmed by the server.
func (q *Queue) Subscribe(ctx context.Context, handler func(Event)) (*Subscription, error) {
	return subscribe(ctx, q.opt, q.ks.queueEventChannel(q.name), handler)
}

func subscribe(ctx context.Context, opt Options, channel string, handler func(Event)) (*Subscription, error) {
	if opt.TriggerClient == nil {
		return nil, ErrTriggersNotConfigured
	}
	pubsub := opt.TriggerClient.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	s := &Subscription{pubsub: pubsub, stop: make(chan struct{})}
	ch := pubsub.Channel()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stop:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					opt.Logger.Warn("dropping malformed event", slog.String("channel", channel), slog.Any("error", err))
					continue
				}
				handler(ev)
			}
		}
	}()
	return s, nil
}
