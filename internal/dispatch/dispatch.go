// Package dispatch implements the task dispatcher: capability groups,
// round-robin and competing delivery strategies, and the selection future
// that collects operator results for a task.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
)

// Strategy selects how a task envelope is delivered to a capability group.
type Strategy string

const (
	RoundRobin Strategy = "ROUND_ROBIN"
	Competing  Strategy = "COMPETING"
)

// Sender is the minimal surface the dispatcher needs from a client to
// deliver a task envelope; registry.Client satisfies it.
type Sender interface {
	Send(env *envelope.Envelope) error
}

// group is a named set of operator client ids plus a round-robin cursor.
type group struct {
	mu       sync.Mutex
	members  []string
	cursor   int
}

// Dispatcher routes task envelopes to registered capability groups and
// collects operator results for pending selection futures.
type Dispatcher struct {
	mu        sync.RWMutex
	groups    map[string]*group
	lookup    func(clientID string) (Sender, bool)
	collector *ResultCollector
}

// New returns a Dispatcher that resolves client ids to senders via lookup
// (normally registry.Registry.Get).
func New(lookup func(clientID string) (Sender, bool)) *Dispatcher {
	return &Dispatcher{
		groups:    make(map[string]*group),
		lookup:    lookup,
		collector: NewResultCollector(),
	}
}

// RegisterGroup creates or replaces a capability group's membership list.
func (d *Dispatcher) RegisterGroup(capability string, members []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[capability] = &group{members: append([]string{}, members...)}
}

// AddMember appends clientID to capability's group, creating it if absent.
func (d *Dispatcher) AddMember(capability, clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[capability]
	if !ok {
		g = &group{}
		d.groups[capability] = g
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m == clientID {
			return
		}
	}
	g.members = append(g.members, clientID)
}

// RemoveMember removes clientID from capability's group.
func (d *Dispatcher) RemoveMember(capability, clientID string) {
	d.mu.RLock()
	g, ok := d.groups[capability]
	d.mu.RUnlock()
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	filtered := make([]string, 0, len(g.members))
	for _, m := range g.members {
		if m != clientID {
			filtered = append(filtered, m)
		}
	}
	g.members = filtered
}

// Dispatch delivers task to capability's group under strategy. For
// ROUND_ROBIN it returns 1 if delivered, 0 if the group is empty or the
// selected member is unreachable. For COMPETING it returns the number of
// operators the task was fanned out to.
func (d *Dispatcher) Dispatch(capability string, task *envelope.Envelope, strategy Strategy) (int, error) {
	d.mu.RLock()
	g, ok := d.groups[capability]
	d.mu.RUnlock()
	if !ok || g == nil {
		return 0, fmt.Errorf("dispatch: no group registered for capability %q", capability)
	}

	switch strategy {
	case RoundRobin:
		return d.dispatchRoundRobin(g, task)
	case Competing:
		return d.dispatchCompeting(g, task)
	default:
		return 0, fmt.Errorf("dispatch: unknown strategy %q", strategy)
	}
}

func (d *Dispatcher) dispatchRoundRobin(g *group, task *envelope.Envelope) (int, error) {
	g.mu.Lock()
	if len(g.members) == 0 {
		g.mu.Unlock()
		return 0, nil
	}
	idx := g.cursor % len(g.members)
	g.cursor++
	member := g.members[idx]
	g.mu.Unlock()

	sender, ok := d.lookup(member)
	if !ok {
		return 0, nil
	}
	if err := sender.Send(task); err != nil {
		return 0, nil
	}
	return 1, nil
}

func (d *Dispatcher) dispatchCompeting(g *group, task *envelope.Envelope) (int, error) {
	g.mu.Lock()
	members := append([]string{}, g.members...)
	g.mu.Unlock()

	delivered := 0
	for _, member := range members {
		sender, ok := d.lookup(member)
		if !ok {
			continue
		}
		if err := sender.Send(task); err == nil {
			delivered++
		}
	}
	return delivered, nil
}

// DispatchWithSelectionFuture is the COMPETING variant with
// return_selection_future=true: it fans out the task, registers a pending
// collector keyed by taskID, and returns the future immediately without
// waiting on it.
func (d *Dispatcher) DispatchWithSelectionFuture(capability string, task *envelope.Envelope, taskID string, timeout time.Duration) (*Future, error) {
	future := d.collector.Register(taskID, timeout)
	if _, err := d.Dispatch(capability, task, Competing); err != nil {
		d.collector.Cancel(taskID)
		return nil, err
	}
	return future, nil
}

// Offer forwards an operator_result or response envelope correlated by
// request_id to the matching pending future, if any.
func (d *Dispatcher) Offer(env *envelope.Envelope) bool {
	return d.collector.Offer(env.RequestID, env)
}

// Shutdown cancels every pending selection future, used by the bootstrap
// shutdown sequence to unblock any goroutine waiting on Future.Wait.
func (d *Dispatcher) Shutdown() {
	d.collector.CancelAll()
}
