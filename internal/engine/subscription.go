package engine

import (
	"sync"

	"github.com/attemptengine/worker/internal/execctx"
)

// Subscription is a read-only handle onto one workflow's event stream.
// Only Recv is exported: nothing outside the engine can push events
// onto it, which is the point — external callers observe an attempt's
// lifecycle, they do not drive it (§4.5's design note). Nor can a
// subscriber close or detach it: the engine closes it at teardown.
type Subscription struct {
	events chan Event

	closeOnce sync.Once
}

func newSubscription() *Subscription {
	return &Subscription{events: make(chan Event, 32)}
}

// Recv returns the channel to range over. It is closed once the
// workflow finishes and its registry entry is torn down.
func (s *Subscription) Recv() <-chan Event {
	return s.events
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.events) })
}

// subscribe registers a new Subscription for workflowID.
func (e *Engine) subscribe(workflowID string) *Subscription {
	sub := newSubscription()

	e.subsMu.Lock()
	e.subs[workflowID] = append(e.subs[workflowID], sub)
	e.subsMu.Unlock()

	return sub
}

// publish fans ev out to every subscriber of workflowID. A full
// subscriber buffer drops the event rather than blocking the driving
// goroutine — subscribers are for observability, not delivery
// guarantees; the coordinator push in execctx.Handle is the durable
// path.
func (e *Engine) publish(workflowID string, ev execctx.RunnerEvent) {
	e.subsMu.Lock()
	subs := e.subs[workflowID]
	e.subsMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- Event{WorkflowID: workflowID, RunnerEvent: ev}:
		default:
		}
	}
}
