// Package memory provides a single-instance control plane for tests and
// local development.
package memory

import (
	"context"
	"sync"

	"github.com/mbecker/applyfleet/internal/control"
	"github.com/mbecker/applyfleet/internal/session"
)

// Plane keeps the backlog in a slice and fans events out to in-process
// subscribers. Semantics match the Redis plane: replace-not-append backlog,
// FIFO pop, fire-and-forget delivery to current subscribers only.
type Plane struct {
	mu          sync.Mutex
	tasks       []control.Task
	nextSubID   int
	stopSubs    map[int]chan struct{}
	logSubs     map[int]chan control.LogEvent
	sessionSubs map[int]chan session.Event
}

// NewPlane builds an empty plane.
func NewPlane() *Plane {
	return &Plane{
		stopSubs:    make(map[int]chan struct{}),
		logSubs:     make(map[int]chan control.LogEvent),
		sessionSubs: make(map[int]chan session.Event),
	}
}

// ReplaceTasks swaps the backlog for the new batch.
func (p *Plane) ReplaceTasks(_ context.Context, tasks []control.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append([]control.Task(nil), tasks...)
	return nil
}

// PopTask removes the oldest pending task.
func (p *Plane) PopTask(_ context.Context) (control.Task, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return control.Task{}, false, nil
	}
	t := p.tasks[0]
	p.tasks = p.tasks[1:]
	return t, true, nil
}

// BroadcastStop notifies every current stop subscriber.
func (p *Plane) BroadcastStop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.stopSubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// SubscribeStop registers a stop listener.
func (p *Plane) SubscribeStop(_ context.Context) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.stopSubs[id] = ch
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.stopSubs[id]; ok {
			delete(p.stopSubs, id)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel, nil
}

// PublishLog fans the event out to current log subscribers.
func (p *Plane) PublishLog(_ context.Context, evt control.LogEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.logSubs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// SubscribeLogs registers a log listener.
func (p *Plane) SubscribeLogs(_ context.Context) (<-chan control.LogEvent, func(), error) {
	ch := make(chan control.LogEvent, 16)
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.logSubs[id] = ch
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.logSubs[id]; ok {
			delete(p.logSubs, id)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel, nil
}

// PublishSessionEvent fans the event out to current session subscribers.
func (p *Plane) PublishSessionEvent(_ context.Context, evt session.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.sessionSubs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// SubscribeSessionEvents registers a session event listener.
func (p *Plane) SubscribeSessionEvents(_ context.Context) (<-chan session.Event, func(), error) {
	ch := make(chan session.Event, 16)
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.sessionSubs[id] = ch
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.sessionSubs[id]; ok {
			delete(p.sessionSubs, id)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel, nil
}
