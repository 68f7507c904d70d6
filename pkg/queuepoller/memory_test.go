package queuepoller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_PublishReceiveDelete(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryQueueConfig{WaitTime: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		_, err := q.Publish(ctx, []byte{byte('a' + i)}, map[string]string{"n": "x"})
		require.NoError(t, err)
	}

	msgs, err := q.Receive(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))
	assert.Equal(t, "b", string(msgs[1].Payload))
	assert.NotEmpty(t, msgs[0].ReceiptHandle)
	assert.Equal(t, 1, msgs[0].DeliveryAttempt)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 2, q.InFlight())

	require.NoError(t, q.Delete(ctx, msgs))
	assert.Equal(t, 0, q.InFlight())
}

func TestMemoryQueue_ReceiveWaitsForPublish(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryQueueConfig{WaitTime: time.Second})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Publish(ctx, []byte("late"), nil)
	}()

	msgs, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", string(msgs[0].Payload))
}

func TestMemoryQueue_EmptyReceiveTimesOut(t *testing.T) {
	q := NewMemoryQueue(MemoryQueueConfig{WaitTime: 20 * time.Millisecond})

	msgs, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryQueue_RedeliversAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryQueueConfig{WaitTime: 20 * time.Millisecond, VisibilityTimeout: 30 * time.Millisecond})
	id, err := q.Publish(ctx, []byte("x"), nil)
	require.NoError(t, err)

	first, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(40 * time.Millisecond)

	second, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, id, second[0].ID)
	assert.Equal(t, 2, second[0].DeliveryAttempt)
	assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)

	err = q.Delete(ctx, first)
	assert.ErrorIs(t, err, ErrUnknownReceipt, "a stale receipt cannot delete the redelivered message")
	require.NoError(t, q.Delete(ctx, second))
}

func TestMemoryQueue_ReceivedCopyIsIndependent(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryQueueConfig{WaitTime: 20 * time.Millisecond, VisibilityTimeout: 10 * time.Millisecond})
	_, err := q.Publish(ctx, []byte("abc"), nil)
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	msgs[0].Payload[0] = 'z'

	time.Sleep(20 * time.Millisecond)
	again, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "abc", string(again[0].Payload))
}

func TestMemoryQueue_Close(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryQueueConfig{})
	require.NoError(t, q.Close())

	_, err := q.Publish(ctx, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = q.Receive(ctx, 1)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
