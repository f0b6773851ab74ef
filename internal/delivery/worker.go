package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/logging"
)

// WorkQueue is the fetch side of the scheduler: what the loops need beyond
// the per-job operations in JobScheduler.
type WorkQueue interface {
	Dequeue(ctx context.Context, limit int) ([]JobRef, error)
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)
}

// processTimeout bounds one delivery attempt end to end, including the
// storage writes around it.
const processTimeout = 30 * time.Second

// Worker polls the queue and fans staged refs out to a bounded pool running
// Service.Process, and promotes due retries back onto the pending set.
type Worker struct {
	svc   *Service
	queue WorkQueue
	cfg   config.DeliveryConfig

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool
}

// NewWorker wires the loops to the state machine.
func NewWorker(svc *Service, queue WorkQueue, cfg config.DeliveryConfig) *Worker {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Worker{
		svc:    svc,
		queue:  queue,
		cfg:    cfg,
		sem:    make(chan struct{}, workers),
		stopCh: make(chan struct{}),
	}
}

// Start launches the fetch and promote loops.
func (w *Worker) Start() {
	w.running.Store(true)
	w.wg.Add(2)
	go w.fetchLoop()
	go w.promoteLoop()
}

// Running reports whether the loops are live; readiness depends on it.
func (w *Worker) Running() bool {
	return w.running.Load()
}

func (w *Worker) fetchLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.fetchOnce()
		case <-w.stopCh:
			return
		}
	}
}

// fetchOnce pulls a window of refs and dispatches them. The window is wider
// than the pool so locked refs (in flight on another worker) do not starve
// a fetch; the per-ref lock inside Process makes overlap harmless.
func (w *Worker) fetchOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	refs, err := w.queue.Dequeue(ctx, cap(w.sem)*2)
	cancel()
	if err != nil {
		logging.L().WithComponent("delivery").WithError(err).Warn("Queue fetch failed")
		return
	}

	for _, ref := range refs {
		select {
		case w.sem <- struct{}{}:
		case <-w.stopCh:
			return
		}
		w.wg.Add(1)
		go func(ref JobRef) {
			defer w.wg.Done()
			defer func() { <-w.sem }()

			ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
			defer cancel()
			w.svc.Process(ctx, ref)
		}(ref)
	}
}

func (w *Worker) promoteLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := w.queue.PromoteDelayed(ctx, time.Now())
			cancel()
			if err != nil {
				logging.L().WithComponent("delivery").WithError(err).Warn("Retry promotion failed")
			} else if n > 0 {
				logging.L().WithComponent("delivery").WithField("promoted", n).Debug("Promoted due retries")
			}
		case <-w.stopCh:
			return
		}
	}
}

// Stop halts the loops and waits for in-flight deliveries to settle.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.running.Store(false)
}
