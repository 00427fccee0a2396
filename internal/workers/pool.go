// Package workers provides a bounded goroutine pool used by the Scanner
// to fetch per-(symbol,timeframe) OHLC concurrently without letting one
// slow provider stall the whole cycle.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work submitted to the pool.
type Task func(ctx context.Context) error

// Config tunes pool size and queueing.
type Config struct {
	Name       string
	NumWorkers int
	QueueSize  int
}

// DefaultConfig returns the spec's typical bounded range (8-16 workers).
func DefaultConfig(name string) Config {
	return Config{Name: name, NumWorkers: 12, QueueSize: 1024}
}

// Pool is a fixed-size worker pool with panic recovery and basic metrics.
type Pool struct {
	logger *zap.Logger
	cfg    Config

	queue chan taskItem
	wg    sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

type taskItem struct {
	task Task
	done chan error
}

// New creates a pool; call Start to spin up workers.
func New(logger *zap.Logger, cfg Config) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 12
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Pool{
		logger: logger.Named("workers").With(zap.String("pool", cfg.Name)),
		cfg:    cfg,
		queue:  make(chan taskItem, cfg.QueueSize),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("pool started", zap.Int("workers", p.cfg.NumWorkers))
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case item := <-p.queue:
			item.done <- p.run(item.task)
		}
	}
}

func (p *Pool) run(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("task panic", zap.Any("panic", r))
			err = nil
		}
	}()
	if e := t(p.ctx); e != nil {
		p.failed.Add(1)
		return e
	}
	p.completed.Add(1)
	return nil
}

// Submit enqueues a task and blocks until it completes or ctx is
// cancelled, returning its error. Used by the scanner to await all
// per-pair fetches of one cycle.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.submitted.Add(1)
	done := make(chan error, 1)
	item := taskItem{task: t, done: done}

	select {
	case p.queue <- item:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports pool throughput counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{Submitted: p.submitted.Load(), Completed: p.completed.Load(), Failed: p.failed.Load()}
}

// Stop signals workers to exit and waits up to the grace period.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.Warn("pool stop timed out")
	}
}
