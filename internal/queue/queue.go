package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// TypeAttendance marks a change to the attendance collection.
const TypeAttendance = "attendance"

// Message is a change notification: which kind of record changed and its id.
type Message struct {
	Type string
	Body []byte
}

// Queue is the change bus. Every consumer sees every message published
// after it subscribed.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory fans messages out to in-process consumers. Slow consumers drop
// messages instead of blocking publishers; a dropped change is caught by
// the broadcaster's periodic poll.
type InMemory struct {
	size int
	mu   sync.Mutex
	subs map[chan Message]struct{}
}

// NewInMemory creates a bus whose consumers buffer size messages each.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{size: size, subs: make(map[chan Message]struct{})}
}

// Publish delivers msg to every current consumer.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for ch := range q.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Consume subscribes until ctx ends, then closes the returned channel.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, q.size)
	q.mu.Lock()
	q.subs[ch] = struct{}{}
	q.mu.Unlock()
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		delete(q.subs, ch)
		close(ch)
		q.mu.Unlock()
	}()
	return ch, nil
}

// RedisQueue broadcasts through Redis pub/sub so every API instance's
// broadcaster hears about writes made by any other instance.
type RedisQueue struct {
	client  *redis.Client
	channel string
}

// NewRedisQueue builds a bus on the given pub/sub channel.
func NewRedisQueue(client *redis.Client, channel string) *RedisQueue {
	if channel == "" {
		channel = "attendance:changes"
	}
	return &RedisQueue{client: client, channel: channel}
}

// Publish sends msg to all subscribers.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.client.Publish(ctx, q.channel, serialize(msg)).Err()
}

// Consume subscribes and streams messages until ctx ends.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	sub := q.client.Subscribe(ctx, q.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- deserialize(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// serialize stores messages as Type|Body.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) Message {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return Message{Type: s[:i], Body: []byte(s[i+1:])}
		}
	}
	return Message{Body: []byte(s)}
}
