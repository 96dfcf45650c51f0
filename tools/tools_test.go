package tools

import (
	"context"
	"testing"
)

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	tool := &Tool{Name: "dup", Description: "d"}
	if err := r.Register(tool); err != nil {
		t.Fatalf("unexpected error on first registration: %v", err)
	}
	if err := r.Register(tool); err == nil {
		t.Fatal("expected error registering the same tool name twice")
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "missing", nil)
	if res.Success {
		t.Fatal("expected failure for unknown tool")
	}
}

func TestToolSchemaShapes(t *testing.T) {
	tool := &Tool{
		Name:        "greet",
		Description: "says hello",
		Parameters: []Parameter{
			{Name: "name", Type: "string", Description: "who to greet", Required: true},
		},
	}

	openai := tool.OpenAISchema()
	if openai["type"] != "function" {
		t.Fatalf("expected openai schema type function, got %v", openai["type"])
	}

	anthropic := tool.AnthropicSchema()
	if _, ok := anthropic["input_schema"]; !ok {
		t.Fatal("expected anthropic schema to have input_schema key")
	}
}

func TestCalculateTool(t *testing.T) {
	tool := calculateTool()
	res := tool.Execute(context.Background(), map[string]interface{}{"expression": "2 + 2 * 3"})
	if !res.Success || res.Output != "8" {
		t.Fatalf("expected 8, got success=%v output=%q error=%q", res.Success, res.Output, res.Error)
	}
}

func TestCalculateToolRejectsInvalidCharacters(t *testing.T) {
	tool := calculateTool()
	res := tool.Execute(context.Background(), map[string]interface{}{"expression": "__import__('os')"})
	if res.Success {
		t.Fatal("expected failure for expression with disallowed characters")
	}
}

func TestCalculateToolDivisionByZero(t *testing.T) {
	tool := calculateTool()
	res := tool.Execute(context.Background(), map[string]interface{}{"expression": "1/0"})
	if res.Success {
		t.Fatal("expected failure on division by zero")
	}
}

func TestEvalArithmeticOperatorPrecedenceAndParens(t *testing.T) {
	cases := map[string]float64{
		"2+3*4":       14,
		"(2+3)*4":     20,
		"10-2-3":      5,
		"2*(3+4)/7":   2,
		"-5+3":        -2,
		"10 % 3":      1,
	}
	for expr, want := range cases {
		got, err := evalArithmetic(expr)
		if err != nil {
			t.Fatalf("expr %q: unexpected error: %v", expr, err)
		}
		if got != want {
			t.Fatalf("expr %q: expected %v, got %v", expr, want, got)
		}
	}
}

func TestWriteThenReadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/out.txt"

	wt := writeFileTool()
	wres := wt.Execute(context.Background(), map[string]interface{}{"path": path, "content": "hello world"})
	if !wres.Success {
		t.Fatalf("write failed: %s", wres.Error)
	}

	rt := readFileTool()
	rres := rt.Execute(context.Background(), map[string]interface{}{"path": path})
	if !rres.Success || rres.Output != "hello world" {
		t.Fatalf("expected round-tripped content, got %q (err=%q)", rres.Output, rres.Error)
	}
}

func TestNewDefaultRegistryHasAllBuiltins(t *testing.T) {
	r := NewDefaultRegistry()
	want := []string{"web_search", "read_file", "write_file", "run_command", "http_request", "calculate"}
	for _, name := range want {
		if !r.Has(name) {
			t.Fatalf("expected default registry to have tool %q", name)
		}
	}
	if r.Len() != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), r.Len())
	}
}
