// Package worker implements the Worker and WorkerPool: the process-level
// host that runs an AgentExecutor, sends heartbeats, and coordinates
// graceful shutdown on SIGINT/SIGTERM. Concurrency within one Worker (up to
// Worker.NumAgents overlapping task pulls) is expressed as a fixed-size pool
// of goroutines, each independently looping pull-execute-report against the
// shared Executor, whose own semaphore is the single source of truth for
// the concurrency cap.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/apexrun/agentruntime/apexerr"
	"github.com/apexrun/agentruntime/config"
	"github.com/apexrun/agentruntime/executor"
	"github.com/apexrun/agentruntime/logging"
	"github.com/apexrun/agentruntime/queue"
	"github.com/apexrun/agentruntime/tracing"
)

// State is a Worker's lifecycle state. Transitions are forward-only except
// that Stop may be invoked from any non-Stopped state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopping State = "stopping"
)

// Worker hosts one AgentExecutor, exclusively owning its shutdown signal,
// its heartbeat goroutine, and its heartbeat key-value connection.
type Worker struct {
	ID       string
	settings *config.Settings
	logger   logging.Logger

	executor *executor.Executor
	tracer   *tracing.Provider
	redis    *redis.Client

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	stopOnce   sync.Once

	tasksProcessed int64
	tasksFailed    int64

	shutdownCh      chan struct{}
	loopExited      chan struct{}
	heartbeatExited chan struct{}
	cancelLoop      context.CancelFunc
	cancelHeartbeat context.CancelFunc
}

// New builds a Worker bound to settings. workerID overrides
// settings.Worker.WorkerID; if both are empty a UUID is generated.
func New(settings *config.Settings, logger logging.Logger, workerID string) *Worker {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if workerID == "" {
		workerID = settings.Worker.WorkerID
	}
	if workerID == "" {
		workerID = uuid.New().String()
	}
	return &Worker{
		ID:       workerID,
		settings: settings,
		logger:   logger.Bind(map[string]interface{}{"component": "worker", "worker_id": workerID}),
		state:    StateStopped,
	}
}

// State reports the Worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsRunning reports whether the Worker is in the Running state.
func (w *Worker) IsRunning() bool {
	return w.State() == StateRunning
}

// Stats returns a snapshot of the Worker's ID, state, task counters and
// uptime in seconds.
func (w *Worker) Stats() map[string]interface{} {
	w.mu.Lock()
	started := w.startedAt
	state := w.state
	w.mu.Unlock()

	uptime := 0
	if !started.IsZero() {
		uptime = int(time.Since(started).Seconds())
	}

	active := 0
	if w.executor != nil {
		active = w.executor.ActiveTaskCount()
	}

	return map[string]interface{}{
		"worker_id":       w.ID,
		"state":           string(state),
		"tasks_processed": atomic.LoadInt64(&w.tasksProcessed),
		"tasks_failed":    atomic.LoadInt64(&w.tasksFailed),
		"uptime_seconds":  uptime,
		"active_tasks":    active,
	}
}

// Start initializes tracing, the heartbeat connection, and the executor,
// installs signal handlers, launches the heartbeat loop, and then runs the
// main processing loop. Start blocks until the main loop exits (via Stop or
// ctx cancellation) and returns only then.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		state := w.state
		w.mu.Unlock()
		return apexerr.New("Worker.Start", apexerr.KindConfiguration,
			fmt.Errorf("%w: cannot start worker in state %s", apexerr.ErrInvalidState, state))
	}
	w.state = StateStarting
	w.mu.Unlock()

	w.logger.Info("starting worker")

	provider, err := tracing.Init(ctx, tracing.Config{
		Enabled:        w.settings.Tracing.Enabled,
		ServiceName:    w.settings.Tracing.ServiceName,
		ServiceVersion: w.settings.Tracing.ServiceVersion,
		Environment:    w.settings.Tracing.Environment,
		SampleRate:     w.settings.Tracing.SampleRate,
		OTLPEndpoint:   w.settings.Tracing.OTLPEndpoint,
		ConsoleExport:  w.settings.Tracing.ConsoleExport,
	})
	if err != nil {
		w.failStart(err)
		return err
	}
	w.tracer = provider

	if err := w.connectRedis(ctx); err != nil {
		w.failStart(err)
		return err
	}

	w.executor = executor.New(w.settings, w.logger, nil)
	if err := w.executor.Initialize(ctx); err != nil {
		w.failStart(err)
		return err
	}

	w.shutdownCh = make(chan struct{})
	w.loopExited = make(chan struct{})
	w.heartbeatExited = make(chan struct{})

	loopCtx, cancelLoop := context.WithCancel(ctx)
	w.cancelLoop = cancelLoop
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	w.cancelHeartbeat = cancelHeartbeat

	go w.handleSignals()
	go w.heartbeatLoop(heartbeatCtx)

	w.mu.Lock()
	w.state = StateRunning
	w.startedAt = time.Now()
	w.mu.Unlock()

	w.logger.Info("worker started", map[string]interface{}{"num_agents": w.settings.Worker.NumAgents})

	w.runLoop(loopCtx)
	close(w.loopExited)
	return nil
}

func (w *Worker) failStart(err error) {
	w.logger.Error("failed to start worker", map[string]interface{}{"error": err.Error()})
	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
}

func (w *Worker) connectRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(w.settings.Redis.URL)
	if err != nil {
		return apexerr.New("Worker.connectRedis", apexerr.KindConfiguration, err)
	}
	w.redis = redis.NewClient(opts)
	if err := w.redis.Ping(ctx).Err(); err != nil {
		return apexerr.New("Worker.connectRedis", apexerr.KindTransientIO, err)
	}
	return nil
}

// runLoop spawns NumAgents goroutines, each independently looping
// pull-execute-report via the Executor until shutdown is signalled. The
// Executor's own semaphore (also sized NumAgents) is what actually bounds
// concurrent execution; running exactly NumAgents goroutines here just
// keeps every slot continuously fed.
func (w *Worker) runLoop(ctx context.Context) {
	w.logger.Info("starting main processing loop")

	var wg sync.WaitGroup
	for i := 0; i < w.settings.Worker.NumAgents; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.agentLoop(ctx)
		}()
	}
	wg.Wait()

	w.logger.Info("processing loop ended")
}

func (w *Worker) agentLoop(ctx context.Context) {
	for {
		select {
		case <-w.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		result, err := w.executor.PullAndExecute(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("error in processing loop", map[string]interface{}{"error": err.Error()})
			select {
			case <-time.After(time.Second):
			case <-w.shutdownCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		if result == nil {
			continue
		}

		atomic.AddInt64(&w.tasksProcessed, 1)
		if result.Status == queue.StatusFailed {
			atomic.AddInt64(&w.tasksFailed, 1)
		}
		w.executor.ReportResult(ctx, *result)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer close(w.heartbeatExited)
	w.logger.Debug("starting heartbeat loop")

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("heartbeat loop ended")
			return
		default:
		}

		if err := w.sendHeartbeat(ctx); err != nil {
			w.logger.Warn("failed to send heartbeat", map[string]interface{}{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.settings.Worker.HeartbeatInterval()):
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) error {
	if w.redis == nil {
		return nil
	}

	active := 0
	if w.executor != nil {
		active = w.executor.ActiveTaskCount()
	}

	key := w.settings.Redis.HeartbeatKeyPrefix + w.ID
	payload, err := json.Marshal(map[string]interface{}{
		"worker_id":       w.ID,
		"state":           string(w.State()),
		"tasks_processed": atomic.LoadInt64(&w.tasksProcessed),
		"tasks_failed":    atomic.LoadInt64(&w.tasksFailed),
		"active_tasks":    active,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	ttl := time.Duration(w.settings.Redis.HeartbeatTTLSecs) * time.Second
	return w.redis.Set(ctx, key, payload, ttl).Err()
}

func (w *Worker) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		w.logger.Info("received shutdown signal", map[string]interface{}{"signal": sig.String()})
		_ = w.Stop(w.settings.Worker.GracefulShutdownTimeout())
	case <-w.shutdownCh:
	}
}

// Stop gracefully drains the Worker: it signals shutdown, waits up to
// timeout for the main loop to exit (forcibly cancelling it otherwise),
// then tears down the heartbeat loop, executor, and connections. Stop is
// idempotent — a second call while or after the first is draining is a
// no-op — and may be called from any non-Stopped state.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	w.stopOnce.Do(func() {
		w.logger.Info("stopping worker", map[string]interface{}{"timeout": timeout.Seconds()})

		w.mu.Lock()
		w.state = StateDraining
		w.mu.Unlock()

		close(w.shutdownCh)

		select {
		case <-w.loopExited:
		case <-time.After(timeout):
			w.logger.Warn("main loop did not stop in time, cancelling")
			w.cancelLoop()
			<-w.loopExited
		}

		w.mu.Lock()
		w.state = StateStopping
		w.mu.Unlock()

		w.cancelHeartbeat()
		<-w.heartbeatExited

		if w.executor != nil {
			_ = w.executor.Shutdown(context.Background())
		}

		if w.redis != nil {
			_ = w.redis.Close()
			w.redis = nil
		}

		if w.tracer != nil {
			_ = w.tracer.Shutdown(context.Background())
		}

		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()

		w.logger.Info("worker stopped", map[string]interface{}{
			"tasks_processed": atomic.LoadInt64(&w.tasksProcessed),
			"tasks_failed":    atomic.LoadInt64(&w.tasksFailed),
		})
	})

	return nil
}
