package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/gasless-relay/store"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestQueue(opts ...Option) (*Queue, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	opts = append(opts, WithClock(c.Now))
	return New(store.NewMemoryStore[Item](), opts...), c
}

func receipt(tx string) Receipt {
	return Receipt{TxHash: tx, Amount: "1000000", Payer: "0xpayer"}
}

func TestEnqueueDrain(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue()

	first, err := q.Enqueue(ctx, receipt("0x01"))
	require.NoError(t, err)
	c.now = c.now.Add(time.Second)
	second, err := q.Enqueue(ctx, receipt("0x02"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].ID)
	assert.Equal(t, second, items[1].ID)
	for _, item := range items {
		assert.Equal(t, StatusInFlight, item.Status)
	}

	items, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestFailedItemsDroppedAfterThreeAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue()
	id, err := q.Enqueue(ctx, receipt("0x01"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		items, err := q.Drain(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)

		res, err := q.UpdateStatus(ctx, id, StatusFailed)
		require.NoError(t, err)
		assert.False(t, res.Dropped, "attempt %d", attempt)
		assert.Equal(t, attempt, res.Item.Attempts)
		assert.Equal(t, StatusPending, res.Item.Status)
	}

	_, err = q.Drain(ctx)
	require.NoError(t, err)
	res, err := q.UpdateStatus(ctx, id, StatusFailed)
	require.NoError(t, err)
	assert.True(t, res.Dropped)
	assert.Equal(t, 3, res.Item.Attempts)

	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, ErrItemNotFound)
	_, err = q.UpdateStatus(ctx, id, StatusFailed)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestExpiredLeaseRedelivers(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(WithLease(time.Minute))
	id, err := q.Enqueue(ctx, receipt("0x01"))
	require.NoError(t, err)

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, c.now.Add(time.Minute), items[0].LeaseUntil)

	c.now = c.now.Add(59 * time.Second)
	items, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "lease still held")

	c.now = c.now.Add(time.Second)
	items, err = q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, 1, items[0].Attempts)

	c.now = c.now.Add(24 * time.Hour)
	removed, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 2, item.Attempts)

	_, err = q.Drain(ctx)
	require.NoError(t, err)
	c.now = c.now.Add(time.Minute)
	removed, err = q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "third lapsed lease drops the item")

	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, ErrItemNotFound)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestLateReportAfterLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue()
	id, err := q.Enqueue(ctx, receipt("0x01"))
	require.NoError(t, err)

	_, err = q.Drain(ctx)
	require.NoError(t, err)
	c.now = c.now.Add(DefaultLease)
	_, err = q.Sweep(ctx)
	require.NoError(t, err)

	res, err := q.UpdateStatus(ctx, id, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Item.Status)
	assert.True(t, res.Item.LeaseUntil.IsZero())

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFailuresWithoutDrainStillCount(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue()
	id, err := q.Enqueue(ctx, receipt("0x01"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := q.UpdateStatus(ctx, id, StatusFailed)
		require.NoError(t, err)
		require.False(t, res.Dropped)
	}
	res, err := q.UpdateStatus(ctx, id, StatusFailed)
	require.NoError(t, err)
	assert.True(t, res.Dropped)
}

func TestCompletedGracePeriod(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue()
	id, err := q.Enqueue(ctx, receipt("0x01"))
	require.NoError(t, err)
	_, err = q.Drain(ctx)
	require.NoError(t, err)

	res, err := q.UpdateStatus(ctx, id, StatusCompleted)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, StatusCompleted, res.Item.Status)

	res, err = q.UpdateStatus(ctx, id, StatusCompleted)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	_, err = q.UpdateStatus(ctx, id, StatusFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	c.now = c.now.Add(29 * time.Second)
	removed, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	c.now = c.now.Add(2 * time.Second)
	removed, err = q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = q.UpdateStatus(ctx, id, StatusCompleted)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue()
	id, err := q.Enqueue(ctx, receipt("0x01"))
	require.NoError(t, err)

	_, err = q.UpdateStatus(ctx, id, StatusInFlight)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = q.UpdateStatus(ctx, id, StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = ParseStatus("delivered")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	s, err := ParseStatus("completed")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s)
}

func TestOptions(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(WithMaxAttempts(1), WithGracePeriod(time.Minute))
	id, err := q.Enqueue(ctx, receipt("0x01"))
	require.NoError(t, err)

	res, err := q.UpdateStatus(ctx, id, StatusFailed)
	require.NoError(t, err)
	assert.True(t, res.Dropped)
}

func TestQueueOnRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := New(store.NewRedisStore[Item](client, "queue"))
	id, err := q.Enqueue(ctx, receipt("0xabc"))
	require.NoError(t, err)

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "0xabc", items[0].Receipt.TxHash)

	res, err := q.UpdateStatus(ctx, id, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Item.Status)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, item.Status)
}
