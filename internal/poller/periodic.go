package poller

import (
	"context"
	"sync"
	"time"

	"github.com/fisaks/obdgw/internal/logging"
)

// Periodic runs Step every Period on its own goroutine. A ticker feeds a
// one-slot signal channel so a slow step drops ticks instead of queueing them.
type Periodic struct {
	Name   string
	Period time.Duration
	Step   Step

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the task. Starting a running task is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	signal := make(chan ZeroSignal, 1)
	go func() {
		t := time.NewTicker(p.Period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				select {
				case signal <- Zero: // drop if one is queued
				default:
				}
			}
		}
	}()
	go p.run(ctx, signal, p.done)
	logging.Info("Task started", "task", p.Name, "period", p.Period.Milliseconds())
}

func (p *Periodic) run(ctx context.Context, signal <-chan ZeroSignal, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			logging.Info("Task stopped", "task", p.Name)
			return
		case <-signal:
			if ctx.Err() != nil {
				return
			}
			p.Step(ctx)
		}
	}
}

// Stop cancels the task and waits for the in-flight step to return.
func (p *Periodic) Stop() {
	if done := p.Halt(); done != nil {
		<-done
	}
}

// Halt cancels the task without waiting. The returned channel closes once the
// worker has exited; it is nil if the task was never started.
func (p *Periodic) Halt() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	return p.done
}

func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Halt force-stops every task at once.
func Halt(tasks ...*Periodic) {
	for _, t := range tasks {
		t.Halt()
	}
}
