// Package bus implements an in-memory message bus replacing the TCP P2P
// transport a real deployment would use, grounded in original_source's
// InMemoryMessageBus: handlers are registered per validator AS and
// dispatched through a bounded worker pool so a slow receiver never
// blocks the sender (spec.md §5).
package bus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler processes one inbound message for a registered AS.
type Handler func(fromASN int, message interface{})

// Stats mirrors the sent/delivered/dropped counters the pool and node
// layers expose for observability.
type Stats struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// Bus is a bounded-worker-pool, in-memory message bus shared by every
// validator node in a single process.
type Bus struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[int]Handler

	sent      atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	jobs chan job
	wg   sync.WaitGroup
}

type job struct {
	toASN   int
	fromASN int
	message interface{}
	handler Handler
}

// New starts a bus with workers bounded worker goroutines draining the
// dispatch queue.
func New(workers, queueDepth int, log *zap.Logger) *Bus {
	if workers <= 0 {
		workers = 16
	}
	if queueDepth <= 0 {
		queueDepth = 4096
	}
	b := &Bus{
		log:      log,
		handlers: make(map[int]Handler),
		jobs:     make(chan job, queueDepth),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for j := range b.jobs {
		b.dispatch(j)
	}
}

func (b *Bus) dispatch(j job) {
	defer func() {
		if r := recover(); r != nil {
			b.dropped.Add(1)
			if b.log != nil {
				b.log.Warn("message handler panicked", zap.Int("to_asn", j.toASN), zap.Any("recover", r))
			}
		}
	}()
	j.handler(j.fromASN, j.message)
	b.delivered.Add(1)
}

// Register installs a node's handler, replacing socket bind in the
// in-process transport.
func (b *Bus) Register(asn int, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[asn] = handler
}

// Unregister removes a node's handler.
func (b *Bus) Unregister(asn int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, asn)
}

// Send delivers message to toASN asynchronously. It never blocks the
// caller beyond enqueueing; if the recipient is unregistered or the queue
// is saturated, the message is dropped and counted.
func (b *Bus) Send(fromASN, toASN int, message interface{}) {
	b.sent.Add(1)
	b.mu.RLock()
	handler, ok := b.handlers[toASN]
	b.mu.RUnlock()
	if !ok {
		b.dropped.Add(1)
		return
	}
	select {
	case b.jobs <- job{toASN: toASN, fromASN: fromASN, message: message, handler: handler}:
	default:
		b.dropped.Add(1)
		if b.log != nil {
			b.log.Warn("message bus queue saturated, dropping", zap.Int("to_asn", toASN))
		}
	}
}

// Broadcast sends message to every target, or to every registered AS
// except fromASN when targets is nil — the relevant-peers narrowing
// (spec.md §4.3) happens in the caller, not here.
func (b *Bus) Broadcast(fromASN int, message interface{}, targets []int) {
	if targets == nil {
		b.mu.RLock()
		targets = make([]int, 0, len(b.handlers))
		for asn := range b.handlers {
			if asn != fromASN {
				targets = append(targets, asn)
			}
		}
		b.mu.RUnlock()
	}
	for _, target := range targets {
		b.Send(fromASN, target, message)
	}
}

// RegisteredNodes returns every currently registered AS number.
func (b *Bus) RegisteredNodes() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int, 0, len(b.handlers))
	for asn := range b.handlers {
		out = append(out, asn)
	}
	return out
}

// Stats returns a point-in-time snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Sent:      b.sent.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Shutdown stops accepting new work and waits for in-flight dispatches to
// drain.
func (b *Bus) Shutdown() {
	close(b.jobs)
	b.wg.Wait()
}
