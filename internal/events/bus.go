// Package events is the typed publish/subscribe bus between the heartbeat
// and its observers. Publishing never blocks and handlers cannot fail the
// publisher.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Kind enumerates every event the core emits.
type Kind int

const (
	CycleStarted Kind = iota
	CycleCompleted
	CycleFailed
	ActionExecuted
	WorkingAppended
	EpisodeRecorded
	DriveCritical
	DriveThreshold
	DreamStarted
	DreamCompleted
	DreamFailed
	FactLearned
	SnapshotSaved

	kindCount
)

var kindNames = [kindCount]string{
	CycleStarted:    "cycle.started",
	CycleCompleted:  "cycle.completed",
	CycleFailed:     "cycle.failed",
	ActionExecuted:  "action.executed",
	WorkingAppended: "working.appended",
	EpisodeRecorded: "episode.recorded",
	DriveCritical:   "drive.critical",
	DriveThreshold:  "drive.threshold",
	DreamStarted:    "dream.started",
	DreamCompleted:  "dream.completed",
	DreamFailed:     "dream.failed",
	FactLearned:     "fact.learned",
	SnapshotSaved:   "snapshot.saved",
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind resolves a kind from its name.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, ok := ParseKind(string(b))
	if !ok {
		return fmt.Errorf("unknown event kind %q", b)
	}
	*k = parsed
	return nil
}

// Event is one notification.
type Event struct {
	Kind   Kind           `json:"kind"`
	Cycle  int64          `json:"cycle"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Float returns a numeric field, or 0.
func (e Event) Float(key string) float64 {
	switch v := e.Fields[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// String returns a string field, or "".
func (e Event) String(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Handler observes events. It runs on the bus goroutine.
type Handler func(Event)

// Bus dispatches events through a fixed table indexed by Kind.
type Bus struct {
	table [kindCount][]Handler
	all   []Handler

	queue  chan Event
	closed bool
	done   chan struct{}

	trace     []Event
	traceNext int
	traceLen  int

	dropped atomic.Int64
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewBus starts a bus with a queue of queueSize pending events and a trace
// of the last traceSize events.
func NewBus(queueSize, traceSize int, logger *zap.Logger) *Bus {
	if queueSize < 1 {
		queueSize = 256
	}
	if traceSize < 1 {
		traceSize = 100
	}
	b := &Bus{
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
		trace:  make([]Event, traceSize),
		logger: logger,
	}
	go b.run()
	return b
}

// Subscribe registers h for one kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	if kind < 0 || kind >= kindCount {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table[kind] = append(b.table[kind], h)
}

// SubscribeAll registers h for every kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish queues e for delivery. When the queue is full or the bus is
// closed the event is dropped and counted.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	b.trace[b.traceNext] = e
	b.traceNext = (b.traceNext + 1) % len(b.trace)
	if b.traceLen < len(b.trace) {
		b.traceLen++
	}
	closed := b.closed
	if !closed {
		select {
		case b.queue <- e:
		default:
			closed = true // treat as dropped
		}
	}
	b.mu.Unlock()

	if closed {
		b.dropped.Add(1)
	}
}

// Trace returns up to n of the most recent published events, oldest first.
func (b *Bus) Trace(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.traceLen {
		n = b.traceLen
	}
	out := make([]Event, 0, n)
	start := b.traceNext - n
	if start < 0 {
		start += len(b.trace)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.trace[(start+i)%len(b.trace)])
	}
	return out
}

// Dropped returns how many events were not delivered.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for e := range b.queue {
		b.mu.RLock()
		var handlers []Handler
		if e.Kind >= 0 && e.Kind < kindCount {
			handlers = append(handlers, b.table[e.Kind]...)
		}
		handlers = append(handlers, b.all...)
		b.mu.RUnlock()

		for _, h := range handlers {
			b.deliver(h, e)
		}
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked",
				zap.Stringer("kind", e.Kind),
				zap.Any("panic", r))
		}
	}()
	h(e)
}
