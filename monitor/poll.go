package monitor

import (
	"sync"

	"github.com/tarancss/chainwatch/lib/event"
)

// PollSink queues delivered events per client until the client drains them over the polling endpoint. Queues are
// bounded: when a client stops polling the oldest events are dropped rather than growing without bound, and dropping
// is not a delivery error, so slow pollers are never mistaken for dead sessions.
type PollSink struct {
	mu     sync.Mutex
	max    int
	queues map[string][]event.Event
}

// NewPollSink returns a PollSink with the given per-client queue bound.
func NewPollSink(max int) *PollSink {
	if max <= 0 {
		max = 100
	}

	return &PollSink{max: max, queues: make(map[string][]event.Event)}
}

// Deliver enqueues the event for the client. It never fails.
func (p *PollSink) Deliver(clientID string, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := append(p.queues[clientID], ev)
	if len(q) > p.max {
		q = q[len(q)-p.max:]
	}

	p.queues[clientID] = q

	return nil
}

// Drain returns and clears the client's queued events.
func (p *PollSink) Drain(clientID string) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.queues[clientID]
	delete(p.queues, clientID)

	if q == nil {
		q = []event.Event{}
	}

	return q
}

// Forget drops the client's queue. Called when the session is removed.
func (p *PollSink) Forget(clientID string) {
	p.mu.Lock()
	delete(p.queues, clientID)
	p.mu.Unlock()
}
