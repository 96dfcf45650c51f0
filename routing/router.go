// Package routing implements the FrugalGPT cascade router: try the
// cheapest model in a cascade first, and escalate to the next only when
// a heuristic confidence score on its response falls below threshold.
package routing

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/apexrun/agentruntime/llm"
)

// DefaultCascade is the default cheapest-to-most-expensive model order.
var DefaultCascade = []string{"gpt-4o-mini", "claude-3-haiku", "gpt-4o", "claude-3.5-sonnet"}

var hedgingPatterns = compileAll(
	`\bI'?m not sure\b`,
	`\bmaybe\b`,
	`\bI think\b`,
	`\bpossibly\b`,
	`\bperhaps\b`,
	`\bit seems\b`,
	`\bI believe\b`,
	`\bnot entirely clear\b`,
	`\bI'?m uncertain\b`,
)

var refusalPatterns = compileAll(
	`\bI cannot\b`,
	`\bI can'?t\b`,
	`\bI'?m unable\b`,
	`\bI'?m not able\b`,
	`\bI don'?t have the ability\b`,
	`\bI'?m sorry,? but I\b`,
	`\bunable to (assist|help|provide|complete)\b`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// Config configures a Router.
type Config struct {
	Enabled             bool
	Cascade             []string
	ConfidenceThreshold float64
	MaxEscalations      int
}

// Result is the outcome of one Router.Route call.
type Result struct {
	Response    *llm.Response
	ModelUsed   string
	ModelsTried []string
	Confidence  float64
	TotalCost   float64
	CostSaved   float64
}

// Router tries models from a cascade cheapest-first, stopping as soon as
// a response's heuristic confidence clears the configured threshold.
type Router struct {
	client *llm.Client
	config Config
}

// New builds a Router over client using config.
func New(client *llm.Client, config Config) *Router {
	return &Router{client: client, config: config}
}

// Route runs the cascade, returning the first response whose confidence
// clears the threshold, or the last model's response if none do.
func (r *Router) Route(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec, temperature float64) (*Result, error) {
	maxModels := r.config.MaxEscalations + 1
	cascade := r.config.Cascade
	if maxModels < len(cascade) {
		cascade = cascade[:maxModels]
	}
	if len(cascade) == 0 {
		return nil, fmt.Errorf("routing: empty cascade")
	}

	mostExpensive := r.config.Cascade[len(r.config.Cascade)-1]

	accumulatedCost := 0.0
	var modelsTried []string

	toolsExpected := len(tools) > 0

	for i, model := range cascade {
		isLast := i == len(cascade)-1

		resp, err := r.client.Create(ctx, llm.CreateParams{
			Model:       model,
			Messages:    messages,
			Tools:       tools,
			Temperature: temperature,
		})
		if err != nil {
			if isLast {
				return nil, err
			}
			continue
		}

		accumulatedCost += resp.Cost
		modelsTried = append(modelsTried, model)

		confidence := evaluateConfidence(resp, toolsExpected)

		if confidence >= r.config.ConfidenceThreshold || isLast {
			premiumCost := llm.CalculateCost(mostExpensive, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			costSaved := premiumCost - accumulatedCost
			if costSaved < 0 {
				costSaved = 0
			}
			return &Result{
				Response:    resp,
				ModelUsed:   model,
				ModelsTried: modelsTried,
				Confidence:  confidence,
				TotalCost:   accumulatedCost,
				CostSaved:   costSaved,
			}, nil
		}
	}

	return nil, fmt.Errorf("routing: cascade exhausted without returning a result")
}

// evaluateConfidence scores a response's output quality with five
// multiplicative penalty factors: response length, hedging language,
// refusal language, unused-tools-when-expected, and abnormal finish
// reason. Any single bad signal can drag the score below threshold,
// unlike an averaging scheme where good signals would dilute it.
func evaluateConfidence(resp *llm.Response, toolsExpected bool) float64 {
	content := resp.Content
	score := 1.0

	length := len(strings.TrimSpace(content))
	switch {
	case length == 0:
		if len(resp.ToolCalls) > 0 {
			score *= 0.95
		} else {
			score *= 0.15
		}
	case length < 10:
		score *= 0.40
	case length < 30:
		score *= 0.60
	case length < 100:
		score *= 0.85
	}

	hedgingCount := countMatches(hedgingPatterns, content)
	switch {
	case hedgingCount == 1:
		score *= 0.75
	case hedgingCount == 2:
		score *= 0.55
	case hedgingCount >= 3:
		score *= 0.35
	}

	refusalCount := countMatches(refusalPatterns, content)
	switch {
	case refusalCount == 1:
		score *= 0.35
	case refusalCount >= 2:
		score *= 0.15
	}

	if toolsExpected && len(resp.ToolCalls) == 0 {
		score *= 0.75
	}

	switch resp.FinishReason {
	case "stop", "end_turn", "tool_calls", "tool_use":
	case "length":
		score *= 0.65
	default:
		score *= 0.80
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func countMatches(patterns []*regexp.Regexp, content string) int {
	count := 0
	for _, p := range patterns {
		if p.MatchString(content) {
			count++
		}
	}
	return count
}
