package delaystore

import (
	"context"
	"fmt"
)

// ExpiredChannel is the keyspace-event channel for expirations in this DB.
func (s *Store) ExpiredChannel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", s.db)
}

// EnableNotifications asks the server to publish expiration events. Managed
// Redis offerings often reject CONFIG, so callers treat an error as a warning.
func (s *Store) EnableNotifications(ctx context.Context) error {
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		return fmt.Errorf("enable keyspace notifications: %w", err)
	}
	return nil
}

// Subscribe streams the names of keys that expire in this DB. The channel is
// closed when ctx is cancelled or the subscription drops.
func (s *Store) Subscribe(ctx context.Context) (<-chan string, error) {
	pubsub := s.client.PSubscribe(ctx, s.ExpiredChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.ExpiredChannel(), err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
