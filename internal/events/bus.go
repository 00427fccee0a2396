// Package events provides the publish/subscribe bus that decouples the
// Tuner, strategies, and the Orchestrator: per the design notes, the only
// near-cycle in the system (Tuner writes dynamic params, strategies read
// them) is broken by routing both through Storage, never through a direct
// reference. The event bus instead carries transient notifications
// (coherence events, lockdown transitions, signal lifecycle) between
// components that must react without a direct call graph.
package events

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type categorizes an Event.
type Type string

const (
	TypeSignalCreated    Type = "signal.created"
	TypeSignalApproved   Type = "signal.approved"
	TypeSignalRejected   Type = "signal.rejected"
	TypeSignalExecuted   Type = "signal.executed"
	TypeSignalExpired    Type = "signal.expired"
	TypeTradeClosed      Type = "trade.closed"
	TypeLockdownChanged  Type = "lockdown.changed"
	TypeCoherence        Type = "coherence.event"
	TypeParamsUpdated    Type = "params.updated"
	TypeCycleCompleted   Type = "cycle.completed"
)

// Event is the payload envelope published on the bus.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Payload   interface{}
}

// Handler processes an Event. A returned error is logged, not propagated.
type Handler func(Event) error

type subscription struct {
	handler Handler
	active  atomic.Bool
}

// Config tunes the bus's worker pool and buffering.
type Config struct {
	NumWorkers int
	BufferSize int
}

// DefaultConfig returns sensible defaults for a control-plane bus (this is
// not a market-data firehose, so far smaller than the teacher's 100K/16
// defaults suffice).
func DefaultConfig() Config {
	return Config{NumWorkers: 4, BufferSize: 4096}
}

// Bus is the central event router.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]*subscription

	eventChan chan Event

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	idCounter atomic.Int64
}

// New creates and starts an event bus with its worker pool running.
func New(logger *zap.Logger, cfg Config) *Bus {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[Type][]*subscription),
		eventChan:   make(chan Event, cfg.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("events"),
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	b.logger.Info("event bus started", zap.Int("workers", cfg.NumWorkers), zap.Int("buffer", cfg.BufferSize))
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.eventChan:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscribers[ev.Type]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, ev)
	}
	b.processed.Add(1)
}

func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic", zap.String("type", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ev); err != nil {
		b.logger.Warn("handler error", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Subscribe registers a handler for a single event type. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{handler: h}
	sub.active.Store(true)
	b.subscribers[t] = append(b.subscribers[t], sub)

	return func() { sub.active.Store(false) }
}

// Publish enqueues an event for asynchronous processing. If the buffer is
// full the event is dropped and counted, never blocking the caller.
func (b *Bus) Publish(t Type, payload interface{}) {
	ev := Event{
		ID:        b.nextID(),
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	select {
	case b.eventChan <- ev:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("type", string(t)))
	}
}

// PublishSync delivers an event to subscribers synchronously, so every
// handler has run before the caller proceeds.
func (b *Bus) PublishSync(t Type, payload interface{}) {
	ev := Event{ID: b.nextID(), Type: t, Timestamp: time.Now(), Payload: payload}
	b.published.Add(1)
	b.dispatch(ev)
}

func (b *Bus) nextID() string {
	n := b.idCounter.Add(1)
	return time.Now().Format("20060102150405") + "-" + strconv.FormatInt(n, 10)
}

// Stats reports bus throughput counters.
type Stats struct {
	Published int64
	Processed int64
	Dropped   int64
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	return Stats{Published: b.published.Load(), Processed: b.processed.Load(), Dropped: b.dropped.Load()}
}

// Stop gracefully shuts the bus down, giving in-flight handlers a grace
// period before forcing a return.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("event bus stopped", zap.Int64("processed", b.processed.Load()), zap.Int64("dropped", b.dropped.Load()))
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus stop timed out")
	}
}
