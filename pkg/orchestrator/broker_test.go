package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g3/pkg/job"
)

func entry(msg string) job.LogEntry {
	return job.LogEntry{Timestamp: time.Now(), JobID: "job-1", Message: msg}
}

func TestBrokerReplayIsBounded(t *testing.T) {
	b := newBroker("job-1", 3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		b.publish(entry(m))
	}

	history, ch, cancel := b.subscribe()
	defer cancel()
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].Message)
	assert.Equal(t, int64(3), history[0].Seq)
	assert.Equal(t, int64(5), history[2].Seq)

	b.publish(entry("f"))
	got := <-ch
	assert.Equal(t, "f", got.Message)
	assert.Equal(t, int64(6), got.Seq)
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	b := newBroker("job-1", 0)
	_, ch, cancel := b.subscribe()
	defer cancel()

	for i := 0; i <= subscriberBuffer; i++ {
		b.publish(entry("tick"))
	}
	assert.Equal(t, 0, b.subscribers())

	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, subscriberBuffer, n, "buffered entries are still delivered before close")
}

func TestBrokerClose(t *testing.T) {
	b := newBroker("job-1", 0)
	_, live, _ := b.subscribe()
	b.publish(entry("one"))
	b.close()
	b.close()

	e, ok := <-live
	require.True(t, ok)
	assert.Equal(t, "one", e.Message)
	_, ok = <-live
	assert.False(t, ok)

	history, late, cancel := b.subscribe()
	cancel()
	assert.Len(t, history, 1)
	_, ok = <-late
	assert.False(t, ok)

	after := b.publish(entry("ignored"))
	assert.Zero(t, after.Seq)
	assert.True(t, b.closedBefore(time.Now().Add(time.Second)))
	assert.False(t, newBroker("job-2", 0).closedBefore(time.Now()))
}

func TestBrokerCancelIsIdempotent(t *testing.T) {
	b := newBroker("job-1", 0)
	_, ch, cancel := b.subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.subscribers())
}

func TestPoolDedupAndRemove(t *testing.T) {
	p := newWorkerPool(1, 2, func(context.Context, string) {})

	assert.True(t, p.enqueue("a"))
	assert.False(t, p.enqueue("a"))
	assert.True(t, p.enqueue("b"))
	assert.True(t, p.enqueue("c"), "over capacity still queues")
	assert.Equal(t, 3, p.depth())

	assert.True(t, p.remove("b"))
	assert.False(t, p.remove("b"))
	_, waiting := p.stats()
	assert.Equal(t, 2, waiting)

	_, ok := p.next()
	assert.False(t, ok, "nothing is handed out before start")
}

func TestPoolRunsInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		ran []string
	)
	done := make(chan struct{})
	p := newWorkerPool(1, 0, func(_ context.Context, id string) {
		mu.Lock()
		ran = append(ran, id)
		n := len(ran)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})
	p.enqueue("a")
	p.enqueue("b")
	p.enqueue("c")
	p.start(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.shutdown(ctx))
	require.NoError(t, p.shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, ran)
}

func TestTransitions(t *testing.T) {
	legal := [][2]job.Status{
		{job.StatusQueued, job.StatusPlanning},
		{job.StatusPlanning, job.StatusCoding},
		{job.StatusCoding, job.StatusTesting},
		{job.StatusTesting, job.StatusCoding},
		{job.StatusTesting, job.StatusCompleted},
		{job.StatusCoding, job.StatusFailed},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]job.Status{
		{job.StatusQueued, job.StatusCoding},
		{job.StatusPlanning, job.StatusCompleted},
		{job.StatusCompleted, job.StatusCoding},
		{job.StatusFailed, job.StatusQueued},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	j, err := job.New("x", nil, 3)
	require.NoError(t, err)
	err = transition(j, job.StatusTesting)
	var ite *IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, job.StatusQueued, j.Status)
	require.NoError(t, transition(j, job.StatusPlanning))
	assert.Equal(t, job.StatusPlanning, j.Status)
}
