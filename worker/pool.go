package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexrun/agentruntime/config"
	"github.com/apexrun/agentruntime/logging"
)

// Pool runs N Workers in-process, sharing one Settings struct. It exists
// for running multiple workers in a single process for testing or
// lightweight deployments — each Worker still owns its own Executor,
// shutdown signal, heartbeat loop, and key-value connection.
type Pool struct {
	NumWorkers int
	settings   *config.Settings
	logger     logging.Logger

	mu      sync.Mutex
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool builds a Pool of numWorkers Workers sharing settings.
func NewPool(numWorkers int, settings *config.Settings, logger logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Pool{
		NumWorkers: numWorkers,
		settings:   settings,
		logger:     logger.Bind(map[string]interface{}{"component": "worker_pool"}),
	}
}

// Start creates NumWorkers Workers with IDs of the form
// "worker-{i}-{rand8hex}" and launches their Start calls concurrently.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("starting worker pool", map[string]interface{}{"num_workers": p.NumWorkers})

	p.mu.Lock()
	for i := 0; i < p.NumWorkers; i++ {
		id := fmtWorkerID(i)
		w := New(p.settings, p.logger, id)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil {
				p.logger.Error("worker exited with error", map[string]interface{}{"worker_id": w.ID, "error": err.Error()})
			}
		}(w)
	}
	p.mu.Unlock()

	p.logger.Info("worker pool started")
	return nil
}

func fmtWorkerID(i int) string {
	return "worker-" + strconv.Itoa(i) + "-" + uuid.New().String()[:8]
}

// Stop fans Stop out to every worker concurrently; individual worker
// errors are captured and logged but never propagated or allowed to
// prevent stopping the rest.
func (p *Pool) Stop(timeout time.Duration) error {
	p.logger.Info("stopping worker pool")

	p.mu.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Stop(timeout); err != nil {
				p.logger.Warn("worker failed to stop cleanly", map[string]interface{}{"worker_id": w.ID, "error": err.Error()})
			}
		}(w)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return nil
}

// Wait blocks until every worker's Start call has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats returns a snapshot of every worker's stats.
func (p *Pool) Stats() []map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Stats())
	}
	return out
}
