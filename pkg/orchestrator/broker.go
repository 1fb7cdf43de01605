package orchestrator

import (
	"sync"
	"time"

	"g3/pkg/job"
)

// DefaultReplaySize is how many entries a late subscriber receives.
const DefaultReplaySize = 1000

const subscriberBuffer = 256

// broker fans one job's log entries out to subscribers in emission order
// and keeps a bounded replay buffer for late ones.
type broker struct {
	closedAt time.Time
	subs     map[int]chan job.LogEntry
	history  []job.LogEntry
	jobID    string
	seq      int64
	nextSub  int
	limit    int
	closed   bool
	mu       sync.Mutex
}

func newBroker(jobID string, limit int) *broker {
	if limit <= 0 {
		limit = DefaultReplaySize
	}
	return &broker{
		jobID: jobID,
		limit: limit,
		subs:  make(map[int]chan job.LogEntry),
	}
}

// publish stamps e with the next sequence number and delivers it. A
// subscriber that cannot keep up is disconnected; it can resubscribe and
// replay from history.
func (b *broker) publish(e job.LogEntry) job.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return e
	}
	b.seq++
	e.Seq = b.seq
	b.history = append(b.history, e)
	if over := len(b.history) - b.limit; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
	return e
}

// subscribe returns the replay history and a channel of later entries. The
// channel is closed when the job finishes.
func (b *broker) subscribe() ([]job.LogEntry, <-chan job.LogEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := make([]job.LogEntry, len(b.history))
	copy(history, b.history)
	ch := make(chan job.LogEntry, subscriberBuffer)
	if b.closed {
		close(ch)
		return history, ch, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	return history, ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.closedAt = time.Now()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// closedBefore reports whether the broker was closed before t.
func (b *broker) closedBefore(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && b.closedAt.Before(t)
}

func (b *broker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
