package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/apexrun/agentruntime/llm"
	"github.com/apexrun/agentruntime/tools"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(payload map[string]interface{}) (*http.Response, error) {
	b, _ := json.Marshal(payload)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(b)), Header: make(http.Header)}, nil
}

func openAIPayload(content string, toolCalls []map[string]interface{}, finishReason string) map[string]interface{} {
	message := map[string]interface{}{"content": content}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	return map[string]interface{}{
		"choices": []map[string]interface{}{{
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func newTestAgent(t *testing.T, transport http.RoundTripper, cfg Config) *Agent {
	t.Helper()
	client := llm.New(llm.WithOpenAIAPIKey("sk-test"), llm.WithHTTPClient(&http.Client{Transport: transport}))
	registry := tools.NewDefaultRegistry()
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Name == "" {
		cfg.Name = "test-agent"
	}
	return New(cfg, client, registry)
}

func TestAgentCompletesWithoutToolCalls(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(openAIPayload("The answer is 42.", nil, "stop"))
	})

	a := newTestAgent(t, transport, Config{MaxIterations: 5})

	out, err := a.Run(context.Background(), TaskInput{Instruction: "what is the answer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Result != "The answer is 42." {
		t.Fatalf("unexpected result: %q", out.Result)
	}
	if out.Data["error"] != nil {
		t.Fatalf("expected no error in output data, got %v", out.Data)
	}
	if a.Metrics.Iterations != 1 {
		t.Fatalf("expected exactly 1 iteration, got %d", a.Metrics.Iterations)
	}
	if a.Status != StatusIdle {
		t.Fatalf("expected agent to end idle, got %s", a.Status)
	}
}

func TestAgentExecutesToolCallsThenCompletes(t *testing.T) {
	calls := 0
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			toolCall := map[string]interface{}{
				"id": "call_1",
				"function": map[string]interface{}{
					"name":      "calculate",
					"arguments": `{"expression": "2+2"}`,
				},
			}
			return jsonResponse(openAIPayload("", []map[string]interface{}{toolCall}, "tool_calls"))
		}
		return jsonResponse(openAIPayload("The result is 4.", nil, "stop"))
	})

	a := newTestAgent(t, transport, Config{
		Tools:         []string{"calculate"},
		MaxIterations: 5,
	})

	out, err := a.Run(context.Background(), TaskInput{Instruction: "compute 2+2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Result != "The result is 4." {
		t.Fatalf("unexpected result: %q", out.Result)
	}
	if a.Metrics.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", a.Metrics.Iterations)
	}
	if a.Metrics.ToolCalls != 1 {
		t.Fatalf("expected 1 tool call recorded, got %d", a.Metrics.ToolCalls)
	}
}

func TestAgentTerminatesOnLoopDetection(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		toolCall := map[string]interface{}{
			"id": "call_loop",
			"function": map[string]interface{}{
				"name":      "calculate",
				"arguments": `{"expression": "1+1"}`,
			},
		}
		return jsonResponse(openAIPayload("I am stuck repeating myself.", []map[string]interface{}{toolCall}, "tool_calls"))
	})

	a := newTestAgent(t, transport, Config{Tools: []string{"calculate"}, MaxIterations: 6})

	out, err := a.Run(context.Background(), TaskInput{Instruction: "loop please"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Data["error"] != "loop_detected" {
		t.Fatalf("expected loop_detected termination, got data=%v result=%q", out.Data, out.Result)
	}
	if a.Metrics.Iterations != 3 {
		t.Fatalf("expected loop to be caught on the 3rd iteration, got %d", a.Metrics.Iterations)
	}
}

func TestAgentReachesMaxIterations(t *testing.T) {
	calls := 0
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		toolCall := map[string]interface{}{
			"id": fmt.Sprintf("call_%d", calls),
			"function": map[string]interface{}{
				"name":      "calculate",
				"arguments": fmt.Sprintf(`{"expression": "%d+1"}`, calls),
			},
		}
		content := fmt.Sprintf("distinct output token set number %d alpha beta gamma", calls)
		return jsonResponse(openAIPayload(content, []map[string]interface{}{toolCall}, "tool_calls"))
	})

	a := newTestAgent(t, transport, Config{
		Tools:         []string{"calculate"},
		MaxIterations: 3,
	})

	out, err := a.Run(context.Background(), TaskInput{Instruction: "keep going"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Data["error"] != "max_iterations_exceeded" {
		t.Fatalf("expected max_iterations_exceeded, got %v", out.Data)
	}
	if a.Metrics.Iterations != 3 {
		t.Fatalf("expected 3 iterations, got %d", a.Metrics.Iterations)
	}
}

func TestAvailableToolsSkipsUnregisteredNames(t *testing.T) {
	a := newTestAgent(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(openAIPayload("ok", nil, "stop"))
	}), Config{Tools: []string{"calculate", "nonexistent_tool"}})

	available := a.AvailableTools()
	if len(available) != 1 || available[0].Name != "calculate" {
		t.Fatalf("expected only calculate to resolve, got %v", available)
	}
}
