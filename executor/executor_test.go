package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/apexrun/agentruntime/agent"
	"github.com/apexrun/agentruntime/config"
	"github.com/apexrun/agentruntime/llm"
	"github.com/apexrun/agentruntime/logging"
	"github.com/apexrun/agentruntime/queue"
	"github.com/apexrun/agentruntime/tools"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(payload map[string]interface{}) (*http.Response, error) {
	b, _ := json.Marshal(payload)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(b)), Header: make(http.Header)}, nil
}

func openAIPayload(content, finishReason string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{{
			"message":       map[string]interface{}{"content": content},
			"finish_reason": finishReason,
		}},
		"usage": map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func newTestExecutor(t *testing.T, transport http.RoundTripper) *Executor {
	t.Helper()
	settings := config.Default()
	settings.Worker.MaxTaskDurationSecs = 10
	settings.Worker.NumAgents = 2

	e := New(settings, logging.NoOp{}, tools.NewDefaultRegistry())
	e.llmClient = llm.New(llm.WithOpenAIAPIKey("sk-test"), llm.WithHTTPClient(&http.Client{Transport: transport}))
	e.sem = make(chan struct{}, settings.Worker.NumAgents)
	e.createDefaultAgent()
	return e
}

func TestExecuteTaskReturnsCompletedResult(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(openAIPayload("all done", "stop"))
	})
	e := newTestExecutor(t, transport)

	task := &queue.QueuedTask{ID: "task-1", Name: "demo", Instruction: "do the thing", MaxRetries: 3}
	result := e.ExecuteTask(context.Background(), task)

	if result.Status != queue.StatusCompleted {
		t.Fatalf("expected completed status, got %s (error=%q)", result.Status, result.Error)
	}
	if result.Result != "all done" {
		t.Fatalf("unexpected result: %q", result.Result)
	}
}

func TestExecuteTaskFailsWithinRetryBudgetOnAgentError(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	})
	e := newTestExecutor(t, transport)
	e.llmClient = llm.New(llm.WithOpenAIAPIKey("sk-test"), llm.WithHTTPClient(&http.Client{Transport: transport}), llm.WithMaxRetries(1))
	e.createDefaultAgent()

	task := &queue.QueuedTask{ID: "task-2", Name: "demo", Instruction: "fail please", MaxRetries: 3, RetryCount: 0}
	result := e.ExecuteTask(context.Background(), task)

	if result.Status != queue.StatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if result.Error == "" {
		t.Fatal("expected a failure message")
	}
}

func TestExecuteTaskHonorsMaxTaskDurationTimeout(t *testing.T) {
	// A real Transport honors request-context cancellation; this fake
	// mirrors that by selecting on req.Context().Done() instead of the
	// underlying work finishing.
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
	e := newTestExecutor(t, transport)
	e.llmClient = llm.New(llm.WithOpenAIAPIKey("sk-test"), llm.WithHTTPClient(&http.Client{Transport: transport}), llm.WithMaxRetries(1))
	e.createDefaultAgent()
	e.settings.Worker.MaxTaskDurationSecs = 1

	task := &queue.QueuedTask{ID: "task-3", Name: "slow", Instruction: "take forever", MaxRetries: 0}

	start := time.Now()
	result := e.ExecuteTask(context.Background(), task)

	if result.Status != queue.StatusFailed {
		t.Fatalf("expected timeout to fail the task, got %s", result.Status)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("task execution took too long to time out: %s", time.Since(start))
	}
}

func TestSelectAgentUsesInlineAgentConfig(t *testing.T) {
	e := newTestExecutor(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(openAIPayload("ok", "stop"))
	}))

	task := &queue.QueuedTask{
		ID:          "task-4",
		Instruction: "custom agent",
		AgentConfig: &agent.Config{Name: "researcher", Model: "gpt-4o-mini", MaxIterations: 2},
	}

	a := e.selectAgent(task)
	if a.Config.Name != "researcher" {
		t.Fatalf("expected inline agent config to be used, got %q", a.Config.Name)
	}
}

func TestSelectAgentFallsBackToDefault(t *testing.T) {
	e := newTestExecutor(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(openAIPayload("ok", "stop"))
	}))

	task := &queue.QueuedTask{ID: "task-5", Instruction: "no config"}
	a := e.selectAgent(task)
	if a.Config.Name != "default" {
		t.Fatalf("expected default agent, got %q", a.Config.Name)
	}
}

func TestGetAgentReturnsNotFoundForUnknownName(t *testing.T) {
	e := newTestExecutor(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(openAIPayload("ok", "stop"))
	}))

	if _, err := e.GetAgent("nonexistent"); err == nil {
		t.Fatal("expected an error for an unregistered agent name")
	}
}

func TestActiveTaskCountReflectsRunningTasksMap(t *testing.T) {
	e := newTestExecutor(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(openAIPayload("ok", "stop"))
	}))

	if e.ActiveTaskCount() != 0 {
		t.Fatalf("expected zero active tasks initially, got %d", e.ActiveTaskCount())
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.runningMu.Lock()
	e.runningTasks["manual"] = cancel
	e.runningMu.Unlock()

	if e.ActiveTaskCount() != 1 {
		t.Fatalf("expected one active task, got %d", e.ActiveTaskCount())
	}

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if e.ActiveTaskCount() != 0 {
		t.Fatalf("expected shutdown to clear running tasks, got %d", e.ActiveTaskCount())
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected shutdown to cancel the running task's context")
	}
}
