package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/pkg/exception"
)

func status(ts int64) model.Event {
	return model.StatusEvent(model.VenueStatus{Status: enum.ConnStatusConnected, TsEvent: ts})
}

func TestQueueOrdersAndNumbersEvents(t *testing.T) {
	q := NewQueue(8, enum.BackpressureBlock, nil)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.Publish(t.Context(), status(i)))
	}
	q.Close()

	var got []model.Event
	for e := range q.Events() {
		got = append(got, e)
	}
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, int64(i+1), e.TsEvent)
	}
	assert.Equal(t, uint64(5), q.LastSeq())
}

func TestQueueDropOldest(t *testing.T) {
	metrics := obs.NewMetrics()
	q := NewQueue(3, enum.BackpressureDropOldest, metrics)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.Publish(t.Context(), status(i)))
	}
	assert.Equal(t, 3, q.Len())

	got := q.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{got[0].TsEvent, got[1].TsEvent, got[2].TsEvent})
	assert.Equal(t, uint64(2), metrics.Snapshot().QueueDrops)
	assert.Equal(t, uint64(5), metrics.Snapshot().EventCounts[enum.EventVenueStatus])
}

func TestQueueBlockWaitsForConsumer(t *testing.T) {
	q := NewQueue(1, enum.BackpressureBlock, nil)
	require.NoError(t, q.Publish(t.Context(), status(1)))

	done := make(chan error, 1)
	go func() {
		done <- q.Publish(t.Context(), status(2))
	}()

	select {
	case <-done:
		t.Fatal("publish returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	first := <-q.Events()
	assert.Equal(t, int64(1), first.TsEvent)
	require.NoError(t, <-done)
	second := <-q.Events()
	assert.Equal(t, int64(2), second.TsEvent)
}

func TestQueueBlockHonoursContext(t *testing.T) {
	q := NewQueue(1, enum.BackpressureBlock, nil)
	require.NoError(t, q.Publish(t.Context(), status(1)))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Publish(ctx, status(2)), context.DeadlineExceeded)
}

func TestQueueCloseUnblocksProducer(t *testing.T) {
	q := NewQueue(1, enum.BackpressureBlock, nil)
	require.NoError(t, q.Publish(t.Context(), status(1)))

	done := make(chan error, 1)
	go func() {
		done <- q.Publish(t.Context(), status(2))
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	require.ErrorIs(t, <-done, exception.ErrQueueClosed)
	require.ErrorIs(t, q.Publish(t.Context(), status(3)), exception.ErrQueueClosed)

	// buffered events survive close
	got := q.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].TsEvent)
}

func TestTryPublish(t *testing.T) {
	q := NewQueue(1, enum.BackpressureBlock, nil)
	require.NoError(t, q.TryPublish(status(1)))
	require.ErrorIs(t, q.TryPublish(status(2)), exception.ErrQueueFull)
	q.Close()
	require.ErrorIs(t, q.TryPublish(status(3)), exception.ErrQueueClosed)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue(1024, enum.BackpressureBlock, nil)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = q.Publish(context.Background(), status(int64(i)))
			}
		}()
	}
	wg.Wait()
	q.Close()

	var last uint64
	count := 0
	for e := range q.Events() {
		assert.Greater(t, e.Seq, last)
		last = e.Seq
		count++
	}
	assert.Equal(t, 400, count)
}

func TestQueueRun(t *testing.T) {
	q := NewQueue(4, enum.BackpressureBlock, nil)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Publish(t.Context(), status(i)))
	}
	q.Close()

	var seen []int64
	q.Run(t.Context(), func(e model.Event) { seen = append(seen, e.TsEvent) })
	assert.Equal(t, []int64{1, 2, 3}, seen)
}
