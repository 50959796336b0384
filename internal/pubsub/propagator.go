package pubsub

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/session"
)

// maxPendingPerTier bounds the non-critical tiers. Critical deliveries are
// never rejected.
const maxPendingPerTier = 4096

// connectionSource is the slice of the session manager the propagator needs
// to resolve recipients and demote dead connections.
type connectionSource interface {
	Connection(id string) (*session.ConnectionInfo, bool)
	RoomConnections(roomID string) []*session.ConnectionInfo
	AllConnections() []*session.ConnectionInfo
	HandleSendFailure(c *session.ConnectionInfo)
}

type delivery struct {
	event      Event
	recipients []*session.ConnectionInfo
}

// DropHandler is notified when a non-critical delivery is rejected due to
// backpressure.
type DropHandler func(Event)

// Propagator fans events out to resolved recipients. Propagate enqueues and
// returns once recipients are resolved; a single dispatcher goroutine drains
// strictly priority-first, FIFO within a tier, which also gives every room a
// total delivery order. Sends happen on the dispatcher goroutine, never under
// any lock held by the caller.
type Propagator struct {
	logger *logrus.Logger
	conns  connectionSource
	onDrop DropHandler

	mu     sync.Mutex
	queues [numPriorities][]delivery
	notify chan struct{}
	done   chan struct{}
}

func NewPropagator(logger *logrus.Logger, conns connectionSource) *Propagator {
	return &Propagator{
		logger: logger,
		conns:  conns,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// OnDrop registers a callback for backpressure drops. Must be set before Start.
func (p *Propagator) OnDrop(fn DropHandler) {
	p.onDrop = fn
}

// Start launches the dispatcher goroutine. It exits when ctx is cancelled.
func (p *Propagator) Start(ctx context.Context) {
	go p.run(ctx)
}

// Done is closed once the dispatcher has exited.
func (p *Propagator) Done() <-chan struct{} {
	return p.done
}

// Propagate resolves the event's recipients by scope and enqueues the
// delivery, returning the recipient count. Resolution happens at call time;
// connections joining afterwards do not receive the event.
func (p *Propagator) Propagate(ev Event) (int, error) {
	var recipients []*session.ConnectionInfo

	switch ev.Scope {
	case ScopeSingle:
		c, ok := p.conns.Connection(ev.TargetID)
		if !ok {
			return 0, session.ErrConnectionNotFound
		}
		recipients = []*session.ConnectionInfo{c}
	case ScopeRoom:
		recipients = p.conns.RoomConnections(ev.TargetID)
	case ScopeGlobal:
		recipients = p.conns.AllConnections()
	}

	return p.dispatch(ev, recipients)
}

// PropagateToConnections fans an event out to an explicit recipient list,
// typically subscription matches. Unknown ids are skipped rather than failed;
// a subscription may outlive its connection by a beat during teardown.
func (p *Propagator) PropagateToConnections(connectionIDs []string, ev Event) (int, error) {
	var recipients []*session.ConnectionInfo
	for _, id := range connectionIDs {
		if c, ok := p.conns.Connection(id); ok {
			recipients = append(recipients, c)
		}
	}
	return p.dispatch(ev, recipients)
}

func (p *Propagator) dispatch(ev Event, recipients []*session.ConnectionInfo) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	if !p.enqueue(delivery{event: ev, recipients: recipients}) {
		p.logger.Warnf("[pubsub] dropped %s event %q: tier full", ev.Priority, ev.Type)
		if p.onDrop != nil {
			p.onDrop(ev)
		}
		return 0, nil
	}
	return len(recipients), nil
}

func (p *Propagator) enqueue(d delivery) bool {
	tier := int(d.event.Priority)

	p.mu.Lock()
	// Backpressure applies to every tier except critical.
	if d.event.Priority != PriorityCritical && len(p.queues[tier]) >= maxPendingPerTier {
		p.mu.Unlock()
		return false
	}
	p.queues[tier] = append(p.queues[tier], d)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest delivery from the highest-priority non-empty tier.
func (p *Propagator) next() (delivery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tier := 0; tier < numPriorities; tier++ {
		if len(p.queues[tier]) == 0 {
			continue
		}
		d := p.queues[tier][0]
		p.queues[tier] = p.queues[tier][1:]
		return d, true
	}
	return delivery{}, false
}

func (p *Propagator) run(ctx context.Context) {
	defer close(p.done)

	for {
		d, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				continue
			}
		}
		p.deliver(d)
	}
}

func (p *Propagator) deliver(d delivery) {
	for _, c := range d.recipients {
		if err := c.Send(d.event.Type, d.event.Data); err != nil {
			p.logger.Warnf("[pubsub] delivery of %q to %s failed: %v", d.event.Type, c.ID, err)
			p.conns.HandleSendFailure(c)
		}
	}
}
