package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/apexrun/agentruntime/llm"
)

func TestEvaluateConfidenceGoodAnswer(t *testing.T) {
	resp := &llm.Response{
		Content:      "This is a perfectly reasonable and sufficiently detailed answer to the question asked. It covers every point the user raised.",
		FinishReason: "stop",
	}
	c := evaluateConfidence(resp, false)
	if c < 0.99 {
		t.Fatalf("expected near-1.0 confidence for a clean answer, got %v", c)
	}
}

func TestEvaluateConfidenceEmptyContentNoToolCalls(t *testing.T) {
	resp := &llm.Response{Content: "", FinishReason: "stop"}
	c := evaluateConfidence(resp, false)
	if c > 0.2 {
		t.Fatalf("expected low confidence for empty content, got %v", c)
	}
}

func TestEvaluateConfidenceEmptyContentWithToolCalls(t *testing.T) {
	resp := &llm.Response{
		Content:      "",
		FinishReason: "tool_calls",
		ToolCalls:    []llm.ToolCall{{Name: "calculate"}},
	}
	c := evaluateConfidence(resp, true)
	if c < 0.9 {
		t.Fatalf("expected high confidence for empty content with expected tool call, got %v", c)
	}
}

func TestEvaluateConfidenceRefusalDragsScoreDown(t *testing.T) {
	resp := &llm.Response{
		Content:      "I'm sorry, but I cannot help with that particular request today.",
		FinishReason: "stop",
	}
	c := evaluateConfidence(resp, false)
	if c > 0.3 {
		t.Fatalf("expected refusal language to drag confidence down, got %v", c)
	}
}

func TestEvaluateConfidenceHedgingLanguage(t *testing.T) {
	resp := &llm.Response{
		Content:      "I think maybe the answer is 42, but I'm not sure.",
		FinishReason: "stop",
	}
	c := evaluateConfidence(resp, false)
	if c > 0.5 {
		t.Fatalf("expected hedging language to reduce confidence substantially, got %v", c)
	}
}

type modelKeyedRoundTripper struct {
	contentByModel map[string]string
}

func (rt modelKeyedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	data, _ := io.ReadAll(req.Body)
	var body struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(data, &body)

	content := rt.contentByModel[body.Model]
	payload := map[string]interface{}{
		"choices": []map[string]interface{}{{
			"message":       map[string]interface{}{"content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
	if strings.Contains(req.URL.Host, "anthropic") {
		payload = map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": content}},
			"stop_reason": "end_turn",
			"usage":       map[string]interface{}{"input_tokens": 10, "output_tokens": 5},
		}
	}
	b, _ := json.Marshal(payload)
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(b)),
		Header:     make(http.Header),
	}, nil
}

func TestRouteEscalatesOnLowConfidenceThenStops(t *testing.T) {
	rt := modelKeyedRoundTripper{contentByModel: map[string]string{
		"gpt-4o-mini":       "maybe I think it could possibly be right, not entirely clear.",
		"claude-3-haiku":    "A clear, confident, and sufficiently detailed answer to the question.",
		"gpt-4o":            "unused",
		"claude-3.5-sonnet": "unused",
	}}
	client := llm.New(llm.WithOpenAIAPIKey("sk-test"), llm.WithAnthropicAPIKey("sk-ant"), llm.WithHTTPClient(&http.Client{Transport: rt}))

	router := New(client, Config{
		Enabled:             true,
		Cascade:             DefaultCascade,
		ConfidenceThreshold: 0.7,
		MaxEscalations:      3,
	})

	result, err := router.Route(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, 0.7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ModelUsed != "claude-3-haiku" {
		t.Fatalf("expected escalation to claude-3-haiku, got %s", result.ModelUsed)
	}
	if len(result.ModelsTried) != 2 {
		t.Fatalf("expected exactly 2 models tried, got %d: %v", len(result.ModelsTried), result.ModelsTried)
	}
}

func TestRouteUsesCheapestModelWhenConfident(t *testing.T) {
	rt := modelKeyedRoundTripper{contentByModel: map[string]string{
		"gpt-4o-mini": "A clear, confident, and sufficiently detailed answer to the question.",
	}}
	client := llm.New(llm.WithOpenAIAPIKey("sk-test"), llm.WithHTTPClient(&http.Client{Transport: rt}))

	router := New(client, Config{
		Enabled:             true,
		Cascade:             DefaultCascade,
		ConfidenceThreshold: 0.7,
		MaxEscalations:      3,
	})

	result, err := router.Route(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, 0.7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ModelUsed != "gpt-4o-mini" {
		t.Fatalf("expected no escalation, got %s", result.ModelUsed)
	}
	if result.CostSaved <= 0 {
		t.Fatalf("expected positive cost savings from using the cheapest model, got %v", result.CostSaved)
	}
}
