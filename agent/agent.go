// Package agent implements the reasoning loop that turns a task
// instruction into a result: it drives an LLM (directly or through a
// routing.Router cascade), executes any tool calls the model requests,
// and consults a detect.LoopDetector and detect.CostPerInsightTracker
// after every iteration so a stuck or unproductive run terminates
// itself instead of spinning until max_iterations.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apexrun/agentruntime/detect"
	"github.com/apexrun/agentruntime/llm"
	"github.com/apexrun/agentruntime/logging"
	"github.com/apexrun/agentruntime/routing"
	"github.com/apexrun/agentruntime/tools"
)

var tracer = otel.Tracer("agentruntime/agent")

// Status reports what an Agent is currently doing.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"
	StatusError  Status = "error"
	StatusPaused Status = "paused"
)

// TaskInput is the instruction an Agent is asked to carry out, along
// with free-form context and parameters forwarded into the initial
// prompt.
type TaskInput struct {
	Instruction string
	Context     map[string]interface{}
	Parameters  map[string]interface{}
}

// TaskOutput is an Agent's result: either a completed answer or a
// termination report (loop detected, diminishing returns, or max
// iterations) recorded in Data["error"].
type TaskOutput struct {
	Result    string
	Data      map[string]interface{}
	Reasoning string
}

// Config configures a single Agent instance. The json tags match the
// wire shape a queued task's agent_config field carries.
type Config struct {
	Name          string   `json:"name"`
	Model         string   `json:"model"`
	SystemPrompt  string   `json:"system_prompt"`
	Tools         []string `json:"tools"`
	MaxIterations int      `json:"max_iterations"`
	Temperature   float64  `json:"temperature"`
}

// Metrics tracks one run's resource consumption.
type Metrics struct {
	TokensUsed   int
	CostDollars  float64
	Iterations   int
	ToolCalls    int
	StartTime    time.Time
	EndTime      time.Time
}

// DurationMS reports the run's wall-clock duration once both StartTime
// and EndTime are set.
func (m Metrics) DurationMS() int64 {
	if m.StartTime.IsZero() || m.EndTime.IsZero() {
		return 0
	}
	return m.EndTime.Sub(m.StartTime).Milliseconds()
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithModelRouter routes every LLM call through a FrugalGPT cascade
// instead of calling Config.Model directly.
func WithModelRouter(r *routing.Router) Option {
	return func(a *Agent) { a.modelRouter = r }
}

// WithLogger attaches a structured logger; the no-op logger is used if
// omitted.
func WithLogger(l logging.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// Agent executes tasks by looping an LLM call, loop/diminishing-returns
// checks, and tool execution until the model stops requesting tools or
// a detector cuts the run short.
type Agent struct {
	ID     uuid.UUID
	Config Config

	llmClient    *llm.Client
	toolRegistry *tools.Registry
	modelRouter  *routing.Router
	logger       logging.Logger

	Status  Status
	Metrics Metrics

	loopDetector    *detect.LoopDetector
	costTracker     *detect.CostPerInsightTracker
	previousOutputs []string
}

// New builds an Agent bound to client and registry, configured by opts.
func New(config Config, client *llm.Client, registry *tools.Registry, opts ...Option) *Agent {
	a := &Agent{
		ID:           uuid.New(),
		Config:       config,
		llmClient:    client,
		toolRegistry: registry,
		Status:       StatusIdle,
		loopDetector: detect.NewLoopDetector(),
		costTracker:  detect.NewCostPerInsightTracker(),
		logger:       logging.NoOp{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Bind(map[string]interface{}{"agent_id": a.ID.String(), "agent_name": config.Name})
	return a
}

// AvailableTools resolves Config.Tools against the registry, skipping
// any name that isn't registered.
func (a *Agent) AvailableTools() []*tools.Tool {
	return a.toolRegistry.Subset(a.Config.Tools)
}

// Run executes task to completion (or early termination) and returns
// the result. Run resets the Agent's loop/cost detector state on every
// call, so a single Agent can be reused across tasks sequentially.
func (a *Agent) Run(ctx context.Context, task TaskInput) (TaskOutput, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("agent_%s_run", a.Config.Name),
		trace.WithAttributes(
			attribute.String("agent.id", a.ID.String()),
			attribute.String("agent.name", a.Config.Name),
			attribute.String("agent.model", a.Config.Model),
		))
	defer span.End()

	a.Status = StatusBusy
	a.Metrics = Metrics{StartTime: time.Now()}

	a.logger.Info("starting task execution", map[string]interface{}{"instruction": truncate(task.Instruction, 100)})

	out, err := a.executeLoop(ctx, task, span)

	a.Metrics.EndTime = time.Now()
	if err != nil {
		a.Status = StatusError
		a.logger.Error("task execution failed", map[string]interface{}{"error": err.Error()})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TaskOutput{}, err
	}

	a.Status = StatusIdle
	a.logger.Info("task execution completed", map[string]interface{}{
		"tokens_used": a.Metrics.TokensUsed,
		"cost":        a.Metrics.CostDollars,
		"duration_ms": a.Metrics.DurationMS(),
		"iterations":  a.Metrics.Iterations,
	})
	return out, nil
}

func (a *Agent) executeLoop(ctx context.Context, task TaskInput, span trace.Span) (TaskOutput, error) {
	messages := a.buildInitialMessages(task)
	toolsSchema := a.buildToolsSchema()

	a.loopDetector.Reset()
	a.costTracker.Reset()
	a.previousOutputs = nil

	maxIterations := a.Config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		a.Metrics.Iterations = iteration + 1

		iterCtx, iterSpan := tracer.Start(ctx, fmt.Sprintf("iteration_%d", iteration))

		response, iterationCost, err := a.callModel(iterCtx, messages, toolsSchema)
		if err != nil {
			iterSpan.End()
			return TaskOutput{}, err
		}

		a.Metrics.CostDollars += iterationCost
		a.Metrics.TokensUsed += response.Usage.TotalTokens

		outputText := response.Content

		loopResult := a.loopDetector.Check(outputText)
		if loopResult.IsLoop {
			a.logger.Warn("loop detected", map[string]interface{}{
				"loop_type":  string(loopResult.Type),
				"confidence": loopResult.Confidence,
				"iteration":  iteration,
			})
			iterSpan.SetAttributes(
				attribute.Bool("agent.loop_detected", true),
				attribute.String("agent.loop_type", string(loopResult.Type)),
			)
			iterSpan.End()
			return TaskOutput{
				Result: fmt.Sprintf("Agent terminated: %s", loopResult.Suggestion),
				Data: map[string]interface{}{
					"error":      "loop_detected",
					"loop_type":  string(loopResult.Type),
					"confidence": loopResult.Confidence,
					"iteration":  iteration,
				},
			}, nil
		}

		novelty := detect.ComputeOutputNovelty(outputText, a.previousOutputs)
		stateChanged := len(response.ToolCalls) > 0
		a.costTracker.RecordIteration(response.Usage.TotalTokens, iterationCost, stateChanged, novelty)
		a.previousOutputs = append(a.previousOutputs, outputText)

		if shouldTerminate, reason := a.costTracker.ShouldTerminate(); shouldTerminate {
			a.logger.Warn("diminishing returns detected", map[string]interface{}{"reason": reason, "iteration": iteration})
			iterSpan.SetAttributes(attribute.Bool("agent.diminishing_returns", true))
			iterSpan.End()
			return TaskOutput{
				Result: fmt.Sprintf("Agent terminated due to diminishing returns: %s", reason),
				Data: map[string]interface{}{
					"error":            "diminishing_returns",
					"reason":           reason,
					"iteration":        iteration,
					"efficiency_score": a.costTracker.GetEfficiencyScore(),
				},
			}, nil
		}

		if len(response.ToolCalls) == 0 {
			iterSpan.End()
			return TaskOutput{Result: response.Content, Data: map[string]interface{}{}}, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})
		messages = append(messages, a.executeTools(iterCtx, response.ToolCalls)...)

		iterSpan.End()
	}

	a.logger.Warn("max iterations reached", map[string]interface{}{"max": maxIterations})
	return TaskOutput{
		Result: "Max iterations reached without completing the task.",
		Data:   map[string]interface{}{"error": "max_iterations_exceeded"},
	}, nil
}

func (a *Agent) callModel(ctx context.Context, messages []llm.Message, toolsSchema []llm.ToolSpec) (*llm.Response, float64, error) {
	if a.modelRouter != nil {
		result, err := a.modelRouter.Route(ctx, messages, toolsSchema, a.Config.Temperature)
		if err != nil {
			return nil, 0, err
		}
		return result.Response, result.TotalCost, nil
	}

	resp, err := a.llmClient.Create(ctx, llm.CreateParams{
		Model:       a.Config.Model,
		Messages:    messages,
		Tools:       toolsSchema,
		Temperature: a.Config.Temperature,
	})
	if err != nil {
		return nil, 0, err
	}
	return resp, resp.Cost, nil
}

func (a *Agent) buildInitialMessages(task TaskInput) []llm.Message {
	var messages []llm.Message

	if a.Config.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: a.Config.SystemPrompt})
	}

	userContent := task.Instruction
	if len(task.Context) > 0 {
		contextStr := ""
		for k, v := range task.Context {
			contextStr += fmt.Sprintf("- %s: %v\n", k, v)
		}
		userContent = fmt.Sprintf("Context:\n%sTask: %s", contextStr, task.Instruction)
	}

	messages = append(messages, llm.Message{Role: "user", Content: userContent})
	return messages
}

func (a *Agent) buildToolsSchema() []llm.ToolSpec {
	available := a.AvailableTools()
	specs := make([]llm.ToolSpec, 0, len(available))
	for _, t := range available {
		schema := t.Schema()
		params, _ := schema["parameters"].(map[string]interface{})
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return specs
}

func (a *Agent) executeTools(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, 0, len(calls))

	for _, call := range calls {
		a.Metrics.ToolCalls++

		_, toolSpan := tracer.Start(ctx, fmt.Sprintf("tool_%s", call.Name),
			trace.WithAttributes(attribute.String("tool.name", call.Name)))

		a.logger.Debug("executing tool", map[string]interface{}{"tool": call.Name})

		result := a.toolRegistry.Execute(ctx, call.Name, call.Arguments)

		content := result.Output
		if !result.Success {
			a.logger.Error("tool execution failed", map[string]interface{}{"tool": call.Name, "error": result.Error})
			content = fmt.Sprintf("Error: %s", result.Error)
		}

		results = append(results, llm.Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    content,
		})

		toolSpan.End()
	}

	return results
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
