// Package queue implements the two sides of the runtime's connection to
// the external orchestrator: BackendClient, a retrying REST client that
// reports task lifecycle events, and TaskQueue, a Redis-list-backed
// work queue the executor pulls QueuedTasks from and pushes
// TaskResults to.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/apexrun/agentruntime/agent"
	"github.com/apexrun/agentruntime/apexerr"
	"github.com/apexrun/agentruntime/config"
	"github.com/apexrun/agentruntime/logging"
	"github.com/apexrun/agentruntime/resilience"
)

// Status mirrors the task status enum the orchestrator uses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// QueuedTask is a unit of work pulled off the Redis task queue.
type QueuedTask struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Instruction string                 `json:"instruction"`
	Context     map[string]interface{} `json:"context"`
	Parameters  map[string]interface{} `json:"parameters"`
	Priority    int                    `json:"priority"`
	MaxRetries  int                    `json:"max_retries"`
	RetryCount  int                    `json:"retry_count"`
	TraceID     string                 `json:"trace_id,omitempty"`
	SpanID      string                 `json:"span_id,omitempty"`
	AgentConfig *agent.Config          `json:"agent_config,omitempty"`
}

func parseQueuedTask(data []byte) (*QueuedTask, error) {
	var task QueuedTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, apexerr.New("queue.parseQueuedTask", apexerr.KindUnknown, err)
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	return &task, nil
}

// TaskResult is the outcome of executing a QueuedTask, reported back to
// the orchestrator and pushed to the result queue.
type TaskResult struct {
	TaskID      string                 `json:"task_id"`
	Status      Status                 `json:"status"`
	Result      string                 `json:"result,omitempty"`
	Data        map[string]interface{} `json:"data"`
	Error       string                 `json:"error,omitempty"`
	TokensUsed  int                    `json:"tokens_used"`
	CostDollars float64                `json:"cost_dollars"`
	DurationMS  int64                  `json:"duration_ms"`
	TraceID     string                 `json:"trace_id,omitempty"`
	SpanID      string                 `json:"span_id,omitempty"`
}

// BackendClient talks to the external orchestrator's REST API: reporting
// when a task starts and what it finished with. Failures are logged and
// swallowed rather than propagated, matching the orchestrator-reporting
// original this is grounded on — a reporting hiccup should never abort
// task execution.
type BackendClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     logging.Logger
	breaker    *resilience.CircuitBreaker
}

// NewBackendClient builds a BackendClient from settings. Requests are
// wrapped in a circuit breaker so a backend outage stops adding retry load
// to it instead of hammering it on every task report.
func NewBackendClient(settings *config.Settings, logger logging.Logger) *BackendClient {
	if logger == nil {
		logger = logging.NoOp{}
	}
	logger = logger.Bind(map[string]interface{}{"component": "backend_client"})
	return &BackendClient{
		baseURL:    settings.Backend.HTTPBaseURL(),
		httpClient: &http.Client{Timeout: time.Duration(settings.Backend.TimeoutSecs * float64(time.Second))},
		maxRetries: settings.Backend.MaxRetries,
		logger:     logger,
		breaker:    resilience.New("backend", resilience.DefaultConfig(), logger),
	}
}

func (c *BackendClient) request(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, apexerr.New("queue.BackendClient.request", apexerr.KindUnknown, err)
		}
		reader = bytes.NewReader(b)
	}

	backoff := time.Second
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var out map[string]interface{}
		var terminalErr error

		breakerErr := c.breaker.Execute(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
			if err != nil {
				terminalErr = apexerr.New("queue.BackendClient.request", apexerr.KindUnknown, err)
				return nil
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return apexerr.New("queue.BackendClient.request", apexerr.KindTransientIO, err)
			}
			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return apexerr.New("queue.BackendClient.request", apexerr.KindTransientIO, readErr)
			}
			switch {
			case resp.StatusCode >= 500:
				return apexerr.New("queue.BackendClient.request", apexerr.KindTransientIO,
					fmt.Errorf("server error %d: %s", resp.StatusCode, string(data)))
			case resp.StatusCode == http.StatusNotFound:
				terminalErr = apexerr.New("queue.BackendClient.request", apexerr.KindNotFound,
					fmt.Errorf("not found: %s", path)).WithID(path)
				return terminalErr
			case resp.StatusCode >= 400:
				terminalErr = apexerr.New("queue.BackendClient.request", apexerr.KindProvider,
					fmt.Errorf("request failed %d: %s", resp.StatusCode, string(data)))
				return terminalErr
			default:
				if len(data) > 0 {
					if err := json.Unmarshal(data, &out); err != nil {
						terminalErr = apexerr.New("queue.BackendClient.request", apexerr.KindProvider, err)
						return terminalErr
					}
				}
				return nil
			}
		})

		if terminalErr != nil {
			return nil, terminalErr
		}
		if breakerErr == nil {
			return out, nil
		}
		lastErr = breakerErr

		if attempt == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}

	return nil, lastErr
}

// ReportTaskStarted tells the backend a task has begun execution.
func (c *BackendClient) ReportTaskStarted(ctx context.Context, taskID, agentID string) {
	_, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/start", taskID),
		map[string]interface{}{"agent_id": agentID})
	if err != nil {
		c.logger.Warn("failed to report task started", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return
	}
	c.logger.Debug("reported task started", map[string]interface{}{"task_id": taskID, "agent_id": agentID})
}

// ReportTaskResult tells the backend a task finished with result.
func (c *BackendClient) ReportTaskResult(ctx context.Context, result TaskResult) {
	_, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/complete", result.TaskID), result)
	if err != nil {
		c.logger.Error("failed to report task result", map[string]interface{}{"task_id": result.TaskID, "error": err.Error()})
		return
	}
	c.logger.Info("reported task result", map[string]interface{}{
		"task_id": result.TaskID, "status": string(result.Status),
		"tokens": result.TokensUsed, "cost": result.CostDollars,
	})
}

// GetTask fetches task details from the backend, returning nil if the
// backend reports it not found.
func (c *BackendClient) GetTask(ctx context.Context, taskID string) (map[string]interface{}, error) {
	resp, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s", taskID), nil)
	if err != nil {
		var apexErr *apexerr.Error
		if errors.As(err, &apexErr) && apexErr.Kind == apexerr.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if success, _ := resp["success"].(bool); success {
		data, _ := resp["data"].(map[string]interface{})
		return data, nil
	}
	return nil, nil
}

// HealthCheck reports whether the backend responds healthy.
func (c *BackendClient) HealthCheck(ctx context.Context) bool {
	resp, err := c.request(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	status, _ := resp["status"].(string)
	return status == "healthy"
}

// TaskQueue is a Redis-list-backed work queue: BRPOP for pulling tasks,
// LPUSH for pushing results and requeues.
type TaskQueue struct {
	settings *config.Settings
	client   *redis.Client
	logger   logging.Logger
}

// NewTaskQueue builds a TaskQueue from settings. Call Connect before use.
func NewTaskQueue(settings *config.Settings, logger logging.Logger) *TaskQueue {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &TaskQueue{settings: settings, logger: logger.Bind(map[string]interface{}{"component": "task_queue"})}
}

// Connect opens the Redis connection.
func (q *TaskQueue) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(q.settings.Redis.URL)
	if err != nil {
		return apexerr.New("queue.TaskQueue.Connect", apexerr.KindConfiguration, err)
	}
	opts.PoolSize = q.settings.Redis.PoolSize
	q.client = redis.NewClient(opts)
	if err := q.client.Ping(ctx).Err(); err != nil {
		return apexerr.New("queue.TaskQueue.Connect", apexerr.KindTransientIO, err)
	}
	q.logger.Info("connected to redis", map[string]interface{}{"url": q.settings.Redis.URL})
	return nil
}

// Close releases the Redis connection.
func (q *TaskQueue) Close() error {
	if q.client == nil {
		return nil
	}
	err := q.client.Close()
	q.client = nil
	return err
}

// PullTask blocks up to timeout waiting for a task, returning nil if
// none arrived.
func (q *TaskQueue) PullTask(ctx context.Context, timeout time.Duration) (*QueuedTask, error) {
	if q.client == nil {
		return nil, apexerr.New("queue.TaskQueue.PullTask", apexerr.KindConfiguration,
			fmt.Errorf("%w: TaskQueue not connected", apexerr.ErrNotInitialized))
	}

	result, err := q.client.BRPop(ctx, timeout, q.settings.Redis.TaskQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		q.logger.Error("failed to pull task", map[string]interface{}{"error": err.Error()})
		return nil, nil
	}

	// BRPop returns [key, value].
	if len(result) != 2 {
		return nil, nil
	}
	task, err := parseQueuedTask([]byte(result[1]))
	if err != nil {
		q.logger.Error("failed to parse task", map[string]interface{}{"error": err.Error()})
		return nil, nil
	}
	q.logger.Debug("pulled task from queue", map[string]interface{}{"task_id": task.ID})
	return task, nil
}

// PushResult pushes result onto the result queue.
func (q *TaskQueue) PushResult(ctx context.Context, result TaskResult) error {
	if q.client == nil {
		return apexerr.New("queue.TaskQueue.PushResult", apexerr.KindConfiguration,
			fmt.Errorf("%w: TaskQueue not connected", apexerr.ErrNotInitialized))
	}
	data, err := json.Marshal(result)
	if err != nil {
		return apexerr.New("queue.TaskQueue.PushResult", apexerr.KindUnknown, err)
	}
	if err := q.client.LPush(ctx, q.settings.Redis.ResultQueueKey, data).Err(); err != nil {
		q.logger.Error("failed to push result", map[string]interface{}{"task_id": result.TaskID, "error": err.Error()})
		return nil
	}
	q.logger.Debug("pushed result to queue", map[string]interface{}{"task_id": result.TaskID})
	return nil
}

// RequeueTask increments task's retry count and pushes it back onto the
// task queue.
func (q *TaskQueue) RequeueTask(ctx context.Context, task *QueuedTask) error {
	if q.client == nil {
		return apexerr.New("queue.TaskQueue.RequeueTask", apexerr.KindConfiguration,
			fmt.Errorf("%w: TaskQueue not connected", apexerr.ErrNotInitialized))
	}
	task.RetryCount++
	data, err := json.Marshal(task)
	if err != nil {
		return apexerr.New("queue.TaskQueue.RequeueTask", apexerr.KindUnknown, err)
	}
	if err := q.client.LPush(ctx, q.settings.Redis.TaskQueueKey, data).Err(); err != nil {
		q.logger.Error("failed to requeue task", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		return nil
	}
	q.logger.Info("requeued task for retry", map[string]interface{}{"task_id": task.ID, "retry_count": task.RetryCount})
	return nil
}
