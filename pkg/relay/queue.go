package relay

import (
	"sync"
	"time"

	"github.com/morezero/browser-relay/pkg/envelope"
	"github.com/morezero/browser-relay/pkg/metrics"
)

// PendingCommand is a command waiting for an agent.
type PendingCommand struct {
	Command   envelope.Command
	CreatedAt time.Time
}

// CommandQueue is a FIFO of commands not yet handed to an agent. It also
// remembers the type of every delivered command until its result arrives.
type CommandQueue struct {
	mu        sync.Mutex
	items     []PendingCommand
	delivered map[string]string
	ready     chan struct{}
}

// NewCommandQueue returns an empty queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		delivered: make(map[string]string),
		ready:     make(chan struct{}, 1),
	}
}

// Push appends cmd.
func (q *CommandQueue) Push(cmd envelope.Command) {
	q.mu.Lock()
	q.items = append(q.items, PendingCommand{Command: cmd, CreatedAt: time.Now()})
	n := len(q.items)
	q.mu.Unlock()
	metrics.SetRelayPending(n)
	q.signal()
}

// PushFront puts back a command whose delivery failed, ahead of newer ones.
func (q *CommandQueue) PushFront(p PendingCommand) {
	q.mu.Lock()
	delete(q.delivered, p.Command.ID)
	q.items = append([]PendingCommand{p}, q.items...)
	n := len(q.items)
	q.mu.Unlock()
	metrics.SetRelayPending(n)
	q.signal()
}

// Pop removes the oldest command, or the one with id when id is not empty.
func (q *CommandQueue) Pop(id string) (PendingCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := -1
	if id == "" {
		if len(q.items) > 0 {
			idx = 0
		}
	} else {
		for i, p := range q.items {
			if p.Command.ID == id {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return PendingCommand{}, false
	}
	p := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.delivered[p.Command.ID] = p.Command.Type
	metrics.SetRelayPending(len(q.items))
	return p, true
}

// Complete forgets a delivered command and returns its type.
func (q *CommandQueue) Complete(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	typ := q.delivered[id]
	delete(q.delivered, id)
	return typ
}

// Len is the number of undelivered commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled after a push. One receiver wakes per signal.
func (q *CommandQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *CommandQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
