package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/fleetgoal/internal/metrics"
)

const deliveryTimeout = 10 * time.Second

// Async queues events for a fixed pool of workers. Enqueue never blocks;
// events are dropped when the queue is full.
type Async struct {
	next    Notifier
	queue   chan Event
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewAsync starts workers delivering to next.
func NewAsync(next Notifier, workers, queueSize int, logger *slog.Logger, m *metrics.Metrics) *Async {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 128
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, queueSize),
		logger:  logger.With("component", "notify"),
		metrics: m,
		stop:    make(chan struct{}),
	}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	return a
}

// Notify enqueues ev and returns immediately.
func (a *Async) Notify(_ context.Context, ev Event) error {
	select {
	case <-a.stop:
		a.metrics.Notification(ev.Kind, "dropped")
		return nil
	default:
	}
	select {
	case a.queue <- ev:
	default:
		a.metrics.Notification(ev.Kind, "dropped")
		a.logger.Warn("notification queue full, dropping event", "kind", ev.Kind, "deploy_id", ev.DeployID)
	}
	return nil
}

func (a *Async) worker() {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.queue:
			a.deliver(ev)
		case <-a.stop:
			for {
				select {
				case ev := <-a.queue:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := a.next.Notify(ctx, ev); err != nil {
		a.metrics.Notification(ev.Kind, "failed")
		a.logger.Error("deliver notification", "kind", ev.Kind, "deploy_id", ev.DeployID, "error", err)
		return
	}
	a.metrics.Notification(ev.Kind, "sent")
}

// Close stops accepting events, drains the queue and waits for workers.
func (a *Async) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}
