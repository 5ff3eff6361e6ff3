package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(4)

	a, err := q.Consume(ctx)
	require.NoError(t, err)
	b, err := q.Consume(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Publish(ctx, Message{Type: TypeAttendance, Body: []byte("rec-1")}))

	for _, ch := range []<-chan Message{a, b} {
		select {
		case msg := <-ch:
			assert.Equal(t, TypeAttendance, msg.Type)
			assert.Equal(t, "rec-1", string(msg.Body))
		case <-time.After(time.Second):
			t.Fatal("consumer did not receive message")
		}
	}
}

func TestInMemoryDropsWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(1)
	ch, _ := q.Consume(ctx)

	require.NoError(t, q.Publish(ctx, Message{Type: "a"}))
	require.NoError(t, q.Publish(ctx, Message{Type: "b"}))
	assert.Equal(t, "a", (<-ch).Type)
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %q", msg.Type)
	default:
	}
}

func TestInMemoryConsumeCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(1)
	ch, _ := q.Consume(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSerialize(t *testing.T) {
	msg := deserialize(serialize(Message{Type: TypeAttendance, Body: []byte("tx|9")}))
	assert.Equal(t, TypeAttendance, msg.Type)
	assert.Equal(t, "tx|9", string(msg.Body))
	assert.Equal(t, "raw", string(deserialize("raw").Body))
}
