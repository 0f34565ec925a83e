package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
)

// Future is a pending selection handle: the accumulated set of
// operator_result/response envelopes for one task, resolved once timeout
// elapses or every expected reply has arrived.
type Future struct {
	TaskID  string
	Done    chan struct{}
	resolve sync.Once

	mu      sync.Mutex
	results []*envelope.Envelope
	winner  *envelope.Envelope
}

// Wait blocks until the future resolves (timeout or explicit resolution)
// and returns the winning envelope, or nil if no results arrived.
func (f *Future) Wait() *envelope.Envelope {
	<-f.Done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.winner
}

// Results returns a snapshot of every result received so far, in arrival
// order.
func (f *Future) Results() []*envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*envelope.Envelope{}, f.results...)
}

func (f *Future) add(env *envelope.Envelope) {
	f.mu.Lock()
	f.results = append(f.results, env)
	f.mu.Unlock()
}

func (f *Future) finish() {
	f.resolve.Do(func() {
		f.mu.Lock()
		f.winner = selectWinner(f.results)
		f.mu.Unlock()
		close(f.Done)
	})
}

// selectWinner applies the dispatcher's default selection function:
// deterministic, total-ordered by sender id so repeated runs produce
// stable test output. First arrival order is preserved by the collector's
// append; ties on identical sender id fall back to the earliest arrival.
func selectWinner(results []*envelope.Envelope) *envelope.Envelope {
	if len(results) == 0 {
		return nil
	}
	ordered := append([]*envelope.Envelope{}, results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sender < ordered[j].Sender
	})
	return ordered[0]
}

// ResultCollector gathers operator_result/response envelopes keyed by
// task_id (the command envelope's request_id) until a configurable
// timeout elapses, then resolves the pending Future via the selection
// function.
type ResultCollector struct {
	mu      sync.Mutex
	pending map[string]*Future
}

// NewResultCollector returns an empty collector.
func NewResultCollector() *ResultCollector {
	return &ResultCollector{pending: make(map[string]*Future)}
}

// Register opens a new pending future for taskID, auto-resolving after
// timeout.
func (c *ResultCollector) Register(taskID string, timeout time.Duration) *Future {
	f := &Future{TaskID: taskID, Done: make(chan struct{})}

	c.mu.Lock()
	c.pending[taskID] = f
	c.mu.Unlock()

	time.AfterFunc(timeout, func() {
		c.mu.Lock()
		delete(c.pending, taskID)
		c.mu.Unlock()
		f.finish()
	})

	return f
}

// Offer delivers env to the pending future for taskID, if one exists. It
// reports whether a future was found.
func (c *ResultCollector) Offer(taskID string, env *envelope.Envelope) bool {
	c.mu.Lock()
	f, ok := c.pending[taskID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	f.add(env)
	return true
}

// Cancel resolves and discards the pending future for taskID immediately,
// used when dispatch fails after the future has been registered.
func (c *ResultCollector) Cancel(taskID string) {
	c.mu.Lock()
	f, ok := c.pending[taskID]
	delete(c.pending, taskID)
	c.mu.Unlock()
	if ok {
		f.finish()
	}
}

// CancelAll resolves every pending future immediately, used on shutdown.
func (c *ResultCollector) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*Future)
	c.mu.Unlock()
	for _, f := range pending {
		f.finish()
	}
}
