// Package executor implements the AgentExecutor: the component that owns a
// concurrency-limited pool of Agent slots, pulls QueuedTasks off the shared
// task queue, runs them to completion under a per-task timeout, and reports
// results back to both the result stream and the orchestrator. Retry policy
// on failure lives here, not in the Agent.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apexrun/agentruntime/agent"
	"github.com/apexrun/agentruntime/apexerr"
	"github.com/apexrun/agentruntime/config"
	"github.com/apexrun/agentruntime/llm"
	"github.com/apexrun/agentruntime/logging"
	"github.com/apexrun/agentruntime/queue"
	"github.com/apexrun/agentruntime/routing"
	"github.com/apexrun/agentruntime/tools"
	"github.com/apexrun/agentruntime/tracing"
)

var tracer = otel.Tracer("agentruntime/executor")

const defaultSystemPrompt = "You are a helpful AI assistant. Complete tasks accurately and efficiently."

// Executor manages a pool of agents and coordinates task execution: pulling
// tasks from the queue, routing them to the appropriate agent, executing
// with tracing and a timeout, and reporting results.
type Executor struct {
	settings     *config.Settings
	toolRegistry *tools.Registry
	logger       logging.Logger

	llmClient *llm.Client
	backend   *queue.BackendClient
	taskQueue *queue.TaskQueue
	router    *routing.Router

	mu     sync.RWMutex
	agents map[string]*agent.Agent

	sem chan struct{}

	// runningMu/runningTasks track cancel funcs for goroutines the executor
	// itself spawns and must be able to cancel on Shutdown. PullAndExecute
	// runs synchronously within a caller-owned goroutine and does not
	// register here — the semaphore alone enforces the concurrency limit
	// (see SPEC_FULL.md §9's Open Question decision). The map exists for
	// callers that spawn executor-owned background work needing shutdown
	// fan-out, mirroring executor.py's _running_tasks left partially wired.
	runningMu    sync.Mutex
	runningTasks map[string]context.CancelFunc
}

// New builds an Executor bound to settings, with registry supplying the
// default agent's tool set.
func New(settings *config.Settings, logger logging.Logger, registry *tools.Registry) *Executor {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if registry == nil {
		registry = tools.NewDefaultRegistry()
	}
	return &Executor{
		settings:     settings,
		toolRegistry: registry,
		logger:       logger.Bind(map[string]interface{}{"component": "agent_executor"}),
		agents:       make(map[string]*agent.Agent),
		runningTasks: make(map[string]context.CancelFunc),
	}
}

// Initialize constructs the LLM client, backend client, task queue
// connection, concurrency semaphore, and the default agent pool. Calling
// Initialize more than once simply rebuilds this state.
func (e *Executor) Initialize(ctx context.Context) error {
	e.logger.Info("initializing agent executor")

	e.llmClient = llm.New(
		llm.WithOpenAIAPIKey(e.settings.LLM.OpenAIAPIKey),
		llm.WithAnthropicAPIKey(e.settings.LLM.AnthropicAPIKey),
		llm.WithTimeout(time.Duration(e.settings.LLM.TimeoutSecs*float64(time.Second))),
		llm.WithMaxRetries(e.settings.LLM.MaxRetries),
	)

	if e.settings.Routing.Enabled {
		e.router = routing.New(e.llmClient, routing.Config{
			Enabled:             true,
			Cascade:             e.settings.Routing.Cascade,
			ConfidenceThreshold: e.settings.Routing.ConfidenceThreshold,
			MaxEscalations:      e.settings.Routing.MaxEscalations,
		})
	}

	e.backend = queue.NewBackendClient(e.settings, e.logger)

	e.taskQueue = queue.NewTaskQueue(e.settings, e.logger)
	if err := e.taskQueue.Connect(ctx); err != nil {
		return err
	}

	e.sem = make(chan struct{}, e.settings.Worker.NumAgents)

	e.createDefaultAgent()

	e.logger.Info("agent executor initialized", map[string]interface{}{
		"num_agents":     len(e.agents),
		"max_concurrent": e.settings.Worker.NumAgents,
	})
	return nil
}

func (e *Executor) createDefaultAgent() {
	cfg := agent.Config{
		Name:          "default",
		Model:         e.settings.LLM.DefaultModel,
		SystemPrompt:  defaultSystemPrompt,
		Tools:         e.toolRegistry.Names(),
		MaxIterations: 10,
		Temperature:   0.7,
	}
	opts := []agent.Option{agent.WithLogger(e.logger)}
	if e.router != nil {
		opts = append(opts, agent.WithModelRouter(e.router))
	}
	a := agent.New(cfg, e.llmClient, e.toolRegistry, opts...)

	e.mu.Lock()
	e.agents["default"] = a
	e.mu.Unlock()
}

// Shutdown cancels any executor-owned running tasks in the running-task
// map, then closes the task queue connection. It does not wait for the
// cancelled work to finish, and the backend client holds no connection to
// close. Safe to call even if Initialize was never run.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.logger.Info("shutting down agent executor")

	e.runningMu.Lock()
	for taskID, cancel := range e.runningTasks {
		cancel()
		e.logger.Warn("cancelled running task", map[string]interface{}{"task_id": taskID})
	}
	e.runningTasks = make(map[string]context.CancelFunc)
	e.runningMu.Unlock()

	if e.taskQueue != nil {
		if err := e.taskQueue.Close(); err != nil {
			e.logger.Warn("error closing task queue", map[string]interface{}{"error": err.Error()})
		}
	}

	e.logger.Info("agent executor shutdown complete")
	return nil
}

// RegisterAgent stores a by name, overwriting any prior entry under that
// name.
func (e *Executor) RegisterAgent(a *agent.Agent) {
	e.mu.Lock()
	e.agents[a.Config.Name] = a
	e.mu.Unlock()
	e.logger.Info("registered agent", map[string]interface{}{"name": a.Config.Name, "model": a.Config.Model})
}

// GetAgent returns the named agent, or the default agent when name is
// empty.
func (e *Executor) GetAgent(name string) (*agent.Agent, error) {
	if name == "" {
		name = "default"
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[name]
	if !ok {
		return nil, apexerr.New("Executor.GetAgent", apexerr.KindNotFound,
			fmt.Errorf("%w: %s", apexerr.ErrAgentNotFound, name)).WithID(name)
	}
	return a, nil
}

// RegisteredAgents lists the names of every registered agent.
func (e *Executor) RegisteredAgents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.agents))
	for n := range e.agents {
		names = append(names, n)
	}
	return names
}

// ActiveTaskCount reports how many executor-owned tasks are presently
// cancelable. Since PullAndExecute enforces concurrency solely via the
// semaphore, this will usually read zero; it reflects only tasks spawned
// through a future executor-owned fan-out mechanism.
func (e *Executor) ActiveTaskCount() int {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	return len(e.runningTasks)
}

// PullAndExecute acquires a semaphore slot, pulls one task with the
// configured poll timeout, and executes it. Returns (nil, nil) if no task
// was available within the poll window.
func (e *Executor) PullAndExecute(ctx context.Context) (*queue.TaskResult, error) {
	if e.taskQueue == nil {
		return nil, apexerr.New("Executor.PullAndExecute", apexerr.KindConfiguration,
			fmt.Errorf("%w: executor not initialized", apexerr.ErrNotInitialized))
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()

	task, err := e.taskQueue.PullTask(ctx, e.settings.Worker.PollInterval())
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	return e.ExecuteTask(ctx, task), nil
}

// ExecuteTask runs task through its selected agent under the configured
// max-task-duration timeout, converting both timeouts and agent errors
// into a FAILED TaskResult (and applying retry policy) rather than
// returning a Go error — task execution failure is data, not a fault in
// the executor itself.
func (e *Executor) ExecuteTask(ctx context.Context, task *queue.QueuedTask) *queue.TaskResult {
	start := time.Now()
	a := e.selectAgent(task)

	e.logger.Info("starting task execution", map[string]interface{}{
		"task_id": task.ID, "task_name": task.Name, "agent": a.Config.Name,
	})

	if e.backend != nil {
		e.backend.ReportTaskStarted(ctx, task.ID, a.ID.String())
	}

	ctx, span := tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("agent_name", a.Config.Name),
	))
	defer span.End()

	taskCtx, cancel := context.WithTimeout(ctx, e.settings.Worker.MaxTaskDuration())
	defer cancel()

	output, err := a.Run(taskCtx, agent.TaskInput{
		Instruction: task.Instruction,
		Context:     task.Context,
		Parameters:  task.Parameters,
	})
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			e.logger.Error("task execution timed out", map[string]interface{}{
				"task_id": task.ID, "timeout": e.settings.Worker.MaxTaskDurationSecs,
			})
			return e.handleTaskFailure(ctx, task,
				fmt.Sprintf("Task timed out after %d seconds", e.settings.Worker.MaxTaskDurationSecs), start)
		}
		e.logger.Error("task execution failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		return e.handleTaskFailure(ctx, task, err.Error(), start)
	}

	traceID, spanID := tracing.TraceContext(ctx)
	result := &queue.TaskResult{
		TaskID:      task.ID,
		Status:      queue.StatusCompleted,
		Result:      output.Result,
		Data:        output.Data,
		TokensUsed:  a.Metrics.TokensUsed,
		CostDollars: a.Metrics.CostDollars,
		DurationMS:  durationMS,
		TraceID:     traceID,
		SpanID:      spanID,
	}

	e.logger.Info("task completed successfully", map[string]interface{}{
		"task_id": task.ID, "tokens": result.TokensUsed, "cost": result.CostDollars, "duration_ms": result.DurationMS,
	})
	return result
}

func (e *Executor) handleTaskFailure(ctx context.Context, task *queue.QueuedTask, errMsg string, start time.Time) *queue.TaskResult {
	durationMS := time.Since(start).Milliseconds()

	if task.RetryCount < task.MaxRetries {
		e.logger.Info("requeuing task for retry", map[string]interface{}{
			"task_id": task.ID, "retry_count": task.RetryCount, "max_retries": task.MaxRetries,
		})
		if e.taskQueue != nil {
			if err := e.taskQueue.RequeueTask(ctx, task); err != nil {
				e.logger.Error("failed to requeue task", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
			}
		}
	}

	return &queue.TaskResult{
		TaskID:     task.ID,
		Status:     queue.StatusFailed,
		Error:      errMsg,
		DurationMS: durationMS,
	}
}

// selectAgent returns a fresh single-use agent built from the task's inline
// agent_config if present, otherwise the registered default agent.
func (e *Executor) selectAgent(task *queue.QueuedTask) *agent.Agent {
	if task.AgentConfig != nil {
		opts := []agent.Option{agent.WithLogger(e.logger)}
		if e.router != nil {
			opts = append(opts, agent.WithModelRouter(e.router))
		}
		return agent.New(*task.AgentConfig, e.llmClient, e.toolRegistry, opts...)
	}
	a, err := e.GetAgent("default")
	if err != nil {
		// The default agent is always created by Initialize; this branch
		// only triggers if Initialize was skipped, in which case building
		// one lazily keeps ExecuteTask usable in tests.
		e.createDefaultAgent()
		a, _ = e.GetAgent("default")
	}
	return a
}

// ReportResult pushes result onto the result queue and notifies the
// orchestrator, both best-effort: failures are logged by the underlying
// clients and never returned to the caller.
func (e *Executor) ReportResult(ctx context.Context, result queue.TaskResult) {
	if e.taskQueue != nil {
		if err := e.taskQueue.PushResult(ctx, result); err != nil {
			e.logger.Error("failed to push result", map[string]interface{}{"task_id": result.TaskID, "error": err.Error()})
		}
	}
	if e.backend != nil {
		e.backend.ReportTaskResult(ctx, result)
	}
}
