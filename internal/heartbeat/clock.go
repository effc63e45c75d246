package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives heartbeat ticks. OnTick runs on the clock goroutine,
// so the next tick waits for it to return.
type Listener interface {
	OnTick(ctx context.Context, at time.Time)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, at time.Time)

func (f ListenerFunc) OnTick(ctx context.Context, at time.Time) { f(ctx, at) }

// Clock paces the heartbeat with a fixed interval.
type Clock struct {
	interval  time.Duration
	limit     int64
	listeners []Listener
	fired     int64
	beat      sync.Mutex // serialises ticks from the loop and FireNow
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// NewClock creates a clock ticking every interval.
func NewClock(interval time.Duration, logger *zap.Logger) *Clock {
	return &Clock{interval: interval, logger: logger}
}

// SetLimit stops Run after n ticks. Zero means no limit.
func (c *Clock) SetLimit(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = n
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Fired returns how many ticks have been delivered.
func (c *Clock) Fired() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fired
}

// Run ticks immediately and then every interval until ctx is done or the
// limit is reached. Ticks that fall due while listeners are still busy are
// dropped, never queued.
func (c *Clock) Run(ctx context.Context) error {
	if c.interval <= 0 {
		return errors.New("clock interval must be positive")
	}
	c.logger.Info("heartbeat clock started", zap.Duration("interval", c.interval))
	defer c.logger.Info("heartbeat clock stopped", zap.Int64("fired", c.Fired()))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	at := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !c.tick(ctx, at) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case at = <-ticker.C:
		}
	}
}

// Start runs the clock in a background goroutine until Stop.
func (c *Clock) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Run(ctx); err != nil {
			c.logger.Warn("heartbeat clock failed", zap.Error(err))
		}
	}()
}

// Stop halts a started clock and waits for the current tick to finish.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// FireNow delivers one tick synchronously, outside the interval. It
// reports the number of listeners notified.
func (c *Clock) FireNow(ctx context.Context) int {
	c.beat.Lock()
	defer c.beat.Unlock()
	listeners := c.snapshotListeners()
	at := time.Now()
	for _, l := range listeners {
		l.OnTick(ctx, at)
	}
	return len(listeners)
}

func (c *Clock) tick(ctx context.Context, at time.Time) bool {
	c.beat.Lock()
	defer c.beat.Unlock()

	c.mu.Lock()
	if c.limit > 0 && c.fired >= c.limit {
		c.mu.Unlock()
		return false
	}
	c.fired++
	c.mu.Unlock()

	for _, l := range c.snapshotListeners() {
		l.OnTick(ctx, at)
	}
	return true
}

func (c *Clock) snapshotListeners() []Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

// OnTick runs one cycle. Errors are logged; the next tick proceeds.
func (s *Scheduler) OnTick(ctx context.Context, at time.Time) {
	_, err := s.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Debug("heartbeat cancelled", zap.Time("at", at))
	default:
		s.logger.Warn("heartbeat failed", zap.Time("at", at), zap.Error(err))
	}
}
