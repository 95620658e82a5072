package analysis

import (
	"sync"
	"time"
)

// EventKind discriminates Event.
type EventKind string

const (
	EventLog            EventKind = "log"
	EventStatus         EventKind = "status"
	EventProgress       EventKind = "progress"
	EventKeyCompleted   EventKind = "key_completed"
	EventBatchCompleted EventKind = "batch_completed"
	EventError          EventKind = "error"
)

// KeyState is a key's position in the per-key state machine.
type KeyState string

const (
	StatePending       KeyState = "pending"
	StateChunking      KeyState = "chunking"
	StateCalling       KeyState = "calling"
	StateMerging       KeyState = "merging"
	StateCheckpointing KeyState = "checkpointing"
	StateDone          KeyState = "done"
	StateFailed        KeyState = "failed"
)

// Active reports whether the state counts against the concurrency bound.
func (s KeyState) Active() bool {
	return s != StatePending && s != StateDone && s != StateFailed
}

// Outcome is a key's terminal result.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// Event is one message on the progress channel.
// Fields beyond Kind, RunID and Time are set according to Kind.
type Event struct {
	Kind  EventKind `json:"kind"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`
	Key   Key       `json:"key,omitempty"`

	Message string `json:"message,omitempty"`

	// Status
	State  KeyState `json:"state,omitempty"`
	Chunk  int      `json:"chunk,omitempty"`
	Chunks int      `json:"chunks,omitempty"`

	// Progress
	Percent float64 `json:"percent,omitempty"`

	// KeyCompleted
	Outcome Outcome `json:"outcome,omitempty"`
	Records int     `json:"records,omitempty"`
	LastID  int64   `json:"last_id,omitempty"`

	// KeyCompleted (failed) and Error
	Err error `json:"-"`

	// BatchCompleted
	Success int `json:"success,omitempty"`
	Failed  int `json:"failed,omitempty"`
}

// eventQueue is an unbounded FIFO with a single consumer channel.
// Producers never block; order is preserved per producer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool

	out chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{out: make(chan Event)}
	q.cond = sync.NewCond(&q.mu)
	go q.forward()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, e)
	q.cond.Signal()
}

// close stops accepting events; queued events are still delivered before out is closed.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *eventQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		for _, e := range batch {
			q.out <- e
		}
	}
}
